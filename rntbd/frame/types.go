package frame

import "fmt"

// ResourceType is the resource type code of a request
type ResourceType uint16

const (
	ResourceConnection          ResourceType = 0x0000
	ResourceDatabase            ResourceType = 0x0001
	ResourceCollection          ResourceType = 0x0002
	ResourceDocument            ResourceType = 0x0003
	ResourceAttachment          ResourceType = 0x0004
	ResourceUser                ResourceType = 0x0005
	ResourcePermission          ResourceType = 0x0006
	ResourceStoredProcedure     ResourceType = 0x0007
	ResourceConflict            ResourceType = 0x0008
	ResourceTrigger             ResourceType = 0x0009
	ResourceUserDefinedFunction ResourceType = 0x000A
	ResourceOffer               ResourceType = 0x0013
	ResourcePartitionKeyRange   ResourceType = 0x0016
)

var resourceTypeNames = map[ResourceType]string{
	ResourceConnection:          "Connection",
	ResourceDatabase:            "Database",
	ResourceCollection:          "Collection",
	ResourceDocument:            "Document",
	ResourceAttachment:          "Attachment",
	ResourceUser:                "User",
	ResourcePermission:          "Permission",
	ResourceStoredProcedure:     "StoredProcedure",
	ResourceConflict:            "Conflict",
	ResourceTrigger:             "Trigger",
	ResourceUserDefinedFunction: "UserDefinedFunction",
	ResourceOffer:               "Offer",
	ResourcePartitionKeyRange:   "PartitionKeyRange",
}

func (t ResourceType) String() string {
	if name, ok := resourceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ResourceType(0x%04X)", uint16(t))
}

// OperationType is the operation code of a request
type OperationType uint16

const (
	OperationConnection OperationType = 0x0000
	OperationCreate     OperationType = 0x0001
	OperationPatch      OperationType = 0x0002
	OperationRead       OperationType = 0x0003
	OperationReadFeed   OperationType = 0x0004
	OperationDelete     OperationType = 0x0005
	OperationReplace    OperationType = 0x0006
	OperationExecute    OperationType = 0x0008
	OperationQuery      OperationType = 0x000F
	OperationHead       OperationType = 0x0011
	OperationUpsert     OperationType = 0x0014
	OperationHealth     OperationType = 0x0022
)

var operationTypeNames = map[OperationType]string{
	OperationConnection: "Connection",
	OperationCreate:     "Create",
	OperationPatch:      "Patch",
	OperationRead:       "Read",
	OperationReadFeed:   "ReadFeed",
	OperationDelete:     "Delete",
	OperationReplace:    "Replace",
	OperationExecute:    "ExecuteJavaScript",
	OperationQuery:      "Query",
	OperationHead:       "Head",
	OperationUpsert:     "Upsert",
	OperationHealth:     "HealthCheck",
}

func (t OperationType) String() string {
	if name, ok := operationTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OperationType(0x%04X)", uint16(t))
}

// IsWrite reports whether the operation modifies state on the replica
func (t OperationType) IsWrite() bool {
	switch t {
	case OperationCreate, OperationPatch, OperationDelete, OperationReplace, OperationUpsert, OperationExecute:
		return true
	default:
		return false
	}
}
