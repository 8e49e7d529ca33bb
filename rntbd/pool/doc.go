/*
Package pool implements the channel pool of one replica address.

All pool state (the pooled channels, their lease counts, the waiting
acquisitions and the number of channels being opened) is owned by a single
executor goroutine. Acquire, Release, channel open results and channel close
notifications are posted to it as closures through a lock-free
multi-producer single-consumer queue (lib/util.MPSCQueue), so the pool needs
no locks.

Acquire examines every pooled channel once in round-robin order. Inactive
channels are dropped, channels at their request limit are skipped. If no
channel can serve the request the caller waits in FIFO order while new
channels are opened in the background, up to MaxChannelsPerEndpoint. A
failed connection attempt fails the oldest waiter with a *common.GoneError.
Waiters honour their context; one that gave up is skipped.

A background sweep runs the channel health checker on idle channels every
HealthCheckInterval and closes unhealthy or idle-expired ones.

Usage:

	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	record, err := lease.Channel().Request(ctx, req)
*/
package pool
