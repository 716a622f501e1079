package model

import "testing"

func TestNormalizeGPUName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want GPUCategory
	}{
		{name: "plain h100", in: "H100", want: CategoryH100},
		{name: "decorated h100", in: "NVIDIA H100 80GB HBM3", want: CategoryH100},
		{name: "h200 wins over h100 substring", in: "NVIDIA H200 141GB", want: CategoryH200},
		{name: "a100 sxm", in: "NVIDIA A100-SXM4-40GB", want: CategoryA100},
		{name: "b200", in: "nvidia b200", want: CategoryB200},
		{name: "lowercase", in: "nvidia h100 pcie", want: CategoryH100},
		{name: "unknown model", in: "NVIDIA GeForce RTX 4090", want: CategoryOther},
		{name: "empty", in: "", want: CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeGPUName(tt.in); got != tt.want {
				t.Errorf("NormalizeGPUName(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampScore(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{name: "in range", in: 0.5, want: 0.5},
		{name: "negative", in: -0.1, want: 0},
		{name: "above one", in: 1.7, want: 1},
		{name: "zero", in: 0, want: 0},
		{name: "one", in: 1, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampScore(tt.in); got != tt.want {
				t.Errorf("ClampScore(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestExecutorStatusInactive(t *testing.T) {
	inactive := []ExecutorStatus{StatusOffline, StatusFailed, StatusStale}
	for _, s := range inactive {
		if !s.Inactive() {
			t.Errorf("%s should be inactive", s)
		}
	}
	active := []ExecutorStatus{StatusOnline, StatusVerified}
	for _, s := range active {
		if s.Inactive() {
			t.Errorf("%s should be active", s)
		}
	}
}

func TestAxonActive(t *testing.T) {
	if (AxonInfo{}).Active() {
		t.Error("zero axon should be inactive")
	}
	if (AxonInfo{IP: 0x7f000001}).Active() {
		t.Error("zero port should be inactive")
	}
	if !(AxonInfo{IP: 0x0a000001, Port: 8091}).Active() {
		t.Error("non-zero axon should be active")
	}
}

func TestMetagraphOutOfRange(t *testing.T) {
	graph := &Metagraph{
		Hotkeys: []string{"hk0"},
		Axons:   []AxonInfo{{IP: 1, Port: 1}},
	}
	if graph.HotkeyAt(3) != "" {
		t.Error("out of range hotkey should be empty")
	}
	if graph.AxonAt(3).Active() {
		t.Error("out of range axon should be inactive")
	}
	if graph.HotkeyAt(0) != "hk0" {
		t.Error("in range hotkey lookup failed")
	}
}
