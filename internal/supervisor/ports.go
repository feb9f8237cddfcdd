package supervisor

import (
	"fmt"
	"net"
)

// allocatePort scans the configured range for a port that is neither claimed
// in the inventory nor currently bound on the host.
func (s *Supervisor) allocatePort() (int, error) {
	for port := s.cfg.PortRangeFrom; port <= s.cfg.PortRangeTo; port++ {
		if s.inv.PortClaimed(port) {
			continue
		}
		if !portFree(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", s.cfg.PortRangeFrom, s.cfg.PortRangeTo)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
