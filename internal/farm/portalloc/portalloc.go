// Package portalloc picks the two loopback ports a worker session needs.
package portalloc

import (
	"fmt"
	"net"
	"strconv"
)

// Environment variable names under which the ports reach the worker.
const (
	EnvHost           = "MAYASEQUENCE_HOST"
	EnvRendezvousPort = "MAYASEQUENCE_RENDEZVOUS_PORT"
	EnvCommandPort    = "MAYASEQUENCE_COMMAND_PORT"
)

// Pair is the port assignment of one task instance.
type Pair struct {
	Host       string
	Rendezvous int
	Command    int
}

// Allocate asks the kernel for two distinct free ports on host. Both
// listeners are held open until both ports are known, so concurrently
// scheduled tasks on the same machine never receive the same pair.
//
// The ports are released before returning; the rendezvous port is bound
// again by the supervisor and the command port by the worker.
func Allocate(host string) (Pair, error) {
	if host == "" {
		host = "127.0.0.1"
	}

	first, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return Pair{}, fmt.Errorf("portalloc: rendezvous port: %w", err)
	}
	defer first.Close()

	second, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return Pair{}, fmt.Errorf("portalloc: command port: %w", err)
	}
	defer second.Close()

	return Pair{
		Host:       host,
		Rendezvous: first.Addr().(*net.TCPAddr).Port,
		Command:    second.Addr().(*net.TCPAddr).Port,
	}, nil
}

// RendezvousAddr is the address the supervisor listens on.
func (p Pair) RendezvousAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Rendezvous))
}

// CommandAddr is the address the worker listens on.
func (p Pair) CommandAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Command))
}

// Env renders the pair as KEY=VALUE entries for the worker process.
func (p Pair) Env() []string {
	return []string{
		EnvHost + "=" + p.Host,
		EnvRendezvousPort + "=" + strconv.Itoa(p.Rendezvous),
		EnvCommandPort + "=" + strconv.Itoa(p.Command),
	}
}

// FromEnv reads a pair back on the worker side. lookup is usually os.Getenv.
func FromEnv(lookup func(string) string) (Pair, error) {
	p := Pair{Host: lookup(EnvHost)}
	if p.Host == "" {
		p.Host = "127.0.0.1"
	}

	var err error
	if p.Rendezvous, err = strconv.Atoi(lookup(EnvRendezvousPort)); err != nil {
		return Pair{}, fmt.Errorf("portalloc: %s: %w", EnvRendezvousPort, err)
	}
	if p.Command, err = strconv.Atoi(lookup(EnvCommandPort)); err != nil {
		return Pair{}, fmt.Errorf("portalloc: %s: %w", EnvCommandPort, err)
	}
	return p, nil
}
