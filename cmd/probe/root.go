package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/rntbd/cmd/util"
	"github.com/ValentinKolb/rntbd/rntbd/channel"
	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/ValentinKolb/rntbd/rntbd/timer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ProbeCmd opens one connection to a replica and reports what it sees
var ProbeCmd = &cobra.Command{
	Use:   "probe <address>",
	Short: "Check a single replica",
	Long: `Open one connection to the replica, negotiate the session context, run the connection health check and send one request.
Prints the negotiated context, the health verdict and the response with its timeline.`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

var operations = map[string]frame.OperationType{
	"read":   frame.OperationRead,
	"head":   frame.OperationHead,
	"delete": frame.OperationDelete,
	"create": frame.OperationCreate,
	"upsert": frame.OperationUpsert,
}

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupClientFlags(ProbeCmd)

	key := "operation"
	ProbeCmd.Flags().String(key, "read", util.WrapString("Operation of the request (read, head, delete, create, upsert)"))

	key = "path"
	ProbeCmd.Flags().String(key, "dbs/probe/colls/probe/docs/probe", util.WrapString("Replica path of the request"))

	key = "payload"
	ProbeCmd.Flags().String(key, "", util.WrapString("Body of the request"))
}

func run(cmd *cobra.Command, args []string) error {
	opts, connector, err := util.SetupClient(cmd)
	if err != nil {
		return err
	}
	address := args[0]

	op, ok := operations[viper.GetString("operation")]
	if !ok {
		return fmt.Errorf("invalid operation %s", viper.GetString("operation"))
	}

	rt := timer.NewRequestTimer(opts.TimerResolution)
	defer rt.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectionTimeout+opts.EffectiveHandshakeTimeout()+opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	conn, err := connector.Connect(ctx, address)
	if err != nil {
		return err
	}
	fmt.Printf("connected to %s via %s in %s\n", address, connector.GetName(), time.Since(start).Round(time.Microsecond))

	ch := channel.New(conn, channel.Config{Address: address, Options: opts, Timer: rt})
	defer ch.Close()

	start = time.Now()
	session, err := ch.Negotiate(ctx)
	if err != nil {
		var negErr *common.NegotiationError
		if errors.As(err, &negErr) {
			fmt.Printf("negotiation rejected: status %d, server %q requires client version %q and protocol version %d\n",
				negErr.Status, negErr.ServerAgent, negErr.RequiredClientVersion, negErr.RequiredProtocolVersion)
		}
		return err
	}
	fmt.Printf("negotiated in %s: %s\n", time.Since(start).Round(time.Microsecond), session)

	health, err := channel.NewHealthChecker(opts)
	if err != nil {
		return err
	}
	healthy, reason := health.IsHealthy(ctx, ch)
	if healthy {
		fmt.Println("health: healthy")
	} else {
		fmt.Printf("health: unhealthy (%s)\n", reason)
	}

	req := frame.NewServiceRequest(op, frame.ResourceDocument, viper.GetString("path"))
	if payload := viper.GetString("payload"); payload != "" {
		req.WithPayload([]byte(payload))
	}
	record, err := ch.Request(ctx, req)
	if err != nil {
		return err
	}
	resp, err := record.Wait(ctx)

	fmt.Printf("request: %s\n", req)
	printTimeline(record)
	if err != nil {
		var statusErr *common.StatusError
		if errors.As(err, &statusErr) {
			fmt.Printf("response: status %d (sub-status %d)\n", statusErr.Status, statusErr.SubStatus)
			return nil
		}
		return err
	}
	fmt.Printf("response: %s\n", resp)
	if len(resp.Payload) > 0 {
		fmt.Printf("payload: %s\n", resp.Payload)
	}
	return nil
}

// printTimeline prints the stages of a request relative to its registration
func printTimeline(record *channel.RequestRecord) {
	timeline := record.Timeline()
	queued, ok := timeline[channel.StageQueued]
	if !ok {
		return
	}
	for _, stage := range []channel.Stage{channel.StageQueued, channel.StagePipelined, channel.StageSent, channel.StageReceived, channel.StageCompleted} {
		if at, ok := timeline[stage]; ok {
			fmt.Printf("  %-10s +%s\n", stage, at.Sub(queued).Round(time.Microsecond))
		}
	}
}
