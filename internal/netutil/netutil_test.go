package netutil

import (
	"net"
	"testing"
)

func TestParseFamily(t *testing.T) {
	tests := []struct {
		in      string
		want    Family
		wantErr bool
	}{
		{"", FamilyUnspecified, false},
		{"unspecified", FamilyUnspecified, false},
		{"dual", FamilyUnspecified, false},
		{"v4", FamilyIPv4, false},
		{"IPv4", FamilyIPv4, false},
		{"v6", FamilyIPv6, false},
		{"ipv6", FamilyIPv6, false},
		{"carrier-pigeon", FamilyUnspecified, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFamily(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseFamily(%q) did not fail", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFamily(%q) returned an unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseFamily(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestListen_EphemeralPort(t *testing.T) {
	listener, err := Listen(FamilyIPv4, "127.0.0.1", 0, 100, 64*1024)
	if err != nil {
		t.Fatalf("error opening listener: %v", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("listener address has type %T, want *net.TCPAddr", listener.Addr())
	}
	if addr.Port <= 0 || addr.Port > 65535 {
		t.Fatalf("resolved port %d out of range", addr.Port)
	}

	// The listener must actually accept connections.
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("error dialing listener: %v", err)
	}
	conn.Close()
}

func TestListen_DistinctEphemeralPorts(t *testing.T) {
	first, err := Listen(FamilyIPv4, "127.0.0.1", 0, 100, 64*1024)
	if err != nil {
		t.Fatalf("error opening first listener: %v", err)
	}
	defer first.Close()

	second, err := Listen(FamilyIPv4, "127.0.0.1", 0, 100, 64*1024)
	if err != nil {
		t.Fatalf("error opening second listener: %v", err)
	}
	defer second.Close()

	p1 := first.Addr().(*net.TCPAddr).Port
	p2 := second.Addr().(*net.TCPAddr).Port
	if p1 == p2 {
		t.Fatalf("both listeners resolved to port %d", p1)
	}
}

func TestTune(t *testing.T) {
	listener, err := Listen(FamilyIPv4, "127.0.0.1", 0, 100, 64*1024)
	if err != nil {
		t.Fatalf("error opening listener: %v", err)
	}
	defer listener.Close()

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("error dialing listener: %v", err)
	}
	defer client.Close()

	conn, err := listener.Accept()
	if err != nil {
		t.Fatalf("error accepting connection: %v", err)
	}
	defer conn.Close()

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		t.Fatalf("accepted connection has type %T, want *net.TCPConn", conn)
	}

	// Options are best effort; this mostly guards against Tune blowing up
	// on a live connection.
	Tune(tcpConn, 128*1024)
}
