package perpetualtask

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/deploycore/pkg/instancesync"
	"github.com/openfroyo/deploycore/pkg/telemetry"
)

// Reachability check defaults.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultDials       = 10
)

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// PDCExecutor reports the hosts of a fixed host list that accept a TCP connection.
// Unreachable hosts are dropped from the result and counted, never reported as errors.
type PDCExecutor struct {
	publisher Publisher
	dial      DialFunc
}

// NewPDCExecutor creates a PDC executor. A nil dial uses a net.Dialer.
func NewPDCExecutor(publisher Publisher, dial DialFunc) *PDCExecutor {
	return &PDCExecutor{publisher: publisher, dial: dial}
}

// RunOnce implements Executor.
func (e *PDCExecutor) RunOnce(ctx context.Context, taskID string, params []byte, heartbeat time.Time) Response {
	return syncRun(ctx, e.publisher, taskID, instancesync.TaskTypePDC, instancesync.KindPDC, heartbeat,
		func(ctx context.Context, ic *telemetry.InstrumentedContext) ([]instancesync.ServerInstanceInfo, error) {
			var p instancesync.PDCTaskParams
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			if err := checkKind(p.Infra, instancesync.KindPDC); err != nil {
				return nil, err
			}

			port := p.Port
			if port <= 0 {
				port = instancesync.DefaultSSHPort
			}
			timeout := time.Duration(p.DialTimeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = DefaultDialTimeout
			}
			limit := p.Parallelism
			if limit <= 0 {
				limit = DefaultDials
			}

			ports := make([]int, len(p.Hosts))
			reachable := make([]bool, len(p.Hosts))
			var g errgroup.Group
			g.SetLimit(limit)
			for i, host := range p.Hosts {
				address, named := dialAddress(host, port)
				ports[i] = named
				g.Go(func() error {
					reachable[i] = e.reachable(ctx, address, timeout)
					return nil
				})
			}
			_ = g.Wait()

			var out []instancesync.ServerInstanceInfo
			unreachable := 0
			for i, host := range p.Hosts {
				if !reachable[i] {
					unreachable++
					ic.Logger.WithField("host", host).Debug("host unreachable")
					continue
				}
				out = append(out, &instancesync.PDCServerInstanceInfo{Host: host, Port: ports[i], InfraKey: p.Infra.InfraKey})
			}
			if m := telemetry.MetricsFromContext(ctx); m != nil {
				m.RecordHostsUnreachable(unreachable)
			}
			return out, nil
		})
}

// Cleanup implements Executor. It always succeeds.
func (e *PDCExecutor) Cleanup(string, []byte) bool { return true }

// reachable reports whether address accepts a TCP connection within timeout. Resolution
// failures count as unreachable.
func (e *PDCExecutor) reachable(ctx context.Context, address string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := e.dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: timeout}).DialContext
	}
	conn, err := dial(ctx, "tcp", address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// dialAddress keeps an explicit host:port and appends port otherwise. It returns the
// address to dial and the port it names.
func dialAddress(host string, port int) (string, int) {
	if _, p, err := net.SplitHostPort(host); err == nil {
		if explicit, err := strconv.Atoi(p); err == nil {
			return host, explicit
		}
		return host, port
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), port
}
