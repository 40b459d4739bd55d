// Package roster loads the static peer-identifier-to-address mapping
// (spec §6 "Peer roster"): one non-comment line per peer, "<id> <host>
// <port>". File I/O goes through afero.Fs so loading is testable against
// an in-memory filesystem without touching disk.
package roster

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// Roster is the static id -> address mapping plus this process's own id.
type Roster struct {
	Self  int
	addrs map[int]*net.UDPAddr
}

// Load parses path via fs and returns a Roster scoped to self.
func Load(fs afero.Fs, path string, self int) (*Roster, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("roster: open %s: %w", path, err)
	}
	defer f.Close()

	addrs := make(map[int]*net.UDPAddr)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("roster: %s:%d: expected '<id> <host> <port>', got %q", path, lineNo, line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("roster: %s:%d: bad id %q: %w", path, lineNo, fields[0], err)
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("roster: %s:%d: bad port %q: %w", path, lineNo, fields[2], err)
		}
		ip := net.ParseIP(fields[1])
		if ip == nil {
			resolved, err := net.ResolveIPAddr("ip", fields[1])
			if err != nil {
				return nil, fmt.Errorf("roster: %s:%d: bad host %q: %w", path, lineNo, fields[1], err)
			}
			ip = resolved.IP
		}
		addrs[id] = &net.UDPAddr{IP: ip, Port: port}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	if _, ok := addrs[self]; !ok {
		return nil, fmt.Errorf("roster: self id %d not found in %s", self, path)
	}
	return &Roster{Self: self, addrs: addrs}, nil
}

// SelfAddr returns this process's own bind address.
func (r *Roster) SelfAddr() *net.UDPAddr { return r.addrs[r.Self] }

// Addr returns the address of peer id, if known.
func (r *Roster) Addr(id int) (*net.UDPAddr, bool) {
	a, ok := r.addrs[id]
	return a, ok
}

// Others returns every peer id except Self.
func (r *Roster) Others() []int {
	ids := make([]int, 0, len(r.addrs)-1)
	for id := range r.addrs {
		if id != r.Self {
			ids = append(ids, id)
		}
	}
	return ids
}

// IDFor returns the roster id whose address equals addr, if any. Used to
// turn a received datagram's source address back into a peer id for
// logging and admission bookkeeping.
func (r *Roster) IDFor(addr net.Addr) (int, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, false
	}
	for id, a := range r.addrs {
		if a.Port == udpAddr.Port && a.IP.Equal(udpAddr.IP) {
			return id, true
		}
	}
	return 0, false
}
