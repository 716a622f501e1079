package discovery

import (
	"testing"

	"github.com/one-covenant/basilica-sub000/internal/basilicaerr"
	"github.com/one-covenant/basilica-sub000/internal/config"
)

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{name: "plain host port", endpoint: "203.0.113.5:8091", wantErr: false},
		{name: "scheme and host", endpoint: "grpc://203.0.113.5:8091", wantErr: false},
		{name: "dns name", endpoint: "miner-7.basilica.net:8091", wantErr: false},
		{name: "loopback ip", endpoint: "127.0.0.1:8091", wantErr: true},
		{name: "localhost", endpoint: "localhost:8091", wantErr: true},
		{name: "zero address", endpoint: "0.0.0.0:8091", wantErr: true},
		{name: "ipv6 loopback", endpoint: "[::1]:8091", wantErr: true},
		{name: "missing host", endpoint: "grpc://:8091", wantErr: true},
		{name: "empty", endpoint: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpoint(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpoint(%q) error = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
			}
			if err != nil && !basilicaerr.Is(err, basilicaerr.KindInvariant) {
				t.Errorf("endpoint errors must be invariant kind, got %v", basilicaerr.KindOf(err))
			}
		})
	}
}

func TestTargetPortOffset(t *testing.T) {
	tests := []struct {
		name     string
		offset   uint16
		endpoint string
		want     string
	}{
		{name: "no offset", offset: 0, endpoint: "203.0.113.5:8091", want: "203.0.113.5:8091"},
		{name: "offset applied", offset: 2, endpoint: "203.0.113.5:8091", want: "203.0.113.5:8093"},
		{name: "scheme stripped", offset: 0, endpoint: "grpc://203.0.113.5:8091", want: "203.0.113.5:8091"},
		{name: "no port leaves target alone", offset: 2, endpoint: "203.0.113.5", want: "203.0.113.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(config.DiscoveryConfig{GRPCPortOffset: tt.offset}, nil)
			if got := client.Target(tt.endpoint); got != tt.want {
				t.Errorf("Target(%q) = %q, want %q", tt.endpoint, got, tt.want)
			}
		})
	}
}
