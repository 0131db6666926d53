package domain

import (
	"math"
	"testing"
)

func TestSmoothRate(t *testing.T) {
	tests := []struct {
		name        string
		avg, sample int64
		want        int64
	}{
		{"steady", 100, 100, 100},
		{"rising sample", 50, 200, 65},
		{"falling sample", 200, 0, 180},
		{"from zero", 0, 1000, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SmoothRate(tt.avg, tt.sample); got != tt.want {
				t.Fatalf("SmoothRate(%d, %d) = %d, want %d", tt.avg, tt.sample, got, tt.want)
			}
		})
	}
}

func TestETA(t *testing.T) {
	// 200 bytes total at 25% done leaves 150 bytes; 10 B/s gives 15s.
	if got := ETA(200, 25, 10); got != 15 {
		t.Fatalf("ETA(200, 25, 10) = %v, want 15", got)
	}

	if got := ETA(200, 25, 0); !math.IsInf(got, 1) {
		t.Fatalf("ETA with zero rate = %v, want +Inf", got)
	}
	if got := ETA(200, 100, 10); !math.IsInf(got, 1) {
		t.Fatalf("ETA at completion = %v, want +Inf", got)
	}
}

func TestTorrentRecordClone(t *testing.T) {
	rec := TorrentRecord{
		InfoHash: "aa",
		Files:    []FileInfo{{Name: "a.bin"}},
		Peers:    []Peer{{Addr: "10.0.0.1:6881"}},
	}
	clone := rec.Clone()
	clone.Files[0].Name = "changed"
	clone.Peers[0].Addr = "changed"

	if rec.Files[0].Name != "a.bin" || rec.Peers[0].Addr != "10.0.0.1:6881" {
		t.Fatal("Clone shares slice backing with original")
	}
}
