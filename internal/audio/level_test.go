package audio

import "testing"

func TestEnergy(t *testing.T) {
	if Energy(LevelSilent) != 0 {
		t.Fatal("silence must have zero energy")
	}
	if e := Energy(0); e != 255 {
		t.Fatalf("full scale energy = %v", e)
	}
	if Energy(20) <= DefaultThreshold {
		t.Fatalf("-20 dBov should be speaking, energy = %v", Energy(20))
	}
	if Energy(40) >= DefaultThreshold {
		t.Fatalf("-40 dBov should be quiet, energy = %v", Energy(40))
	}
}

func TestLevelFromPayload(t *testing.T) {
	tests := []struct {
		size     int
		speaking bool
	}{
		{0, false},
		{len(SilenceFrame), false},
		{12, false},
		{80, true},
		{400, true},
	}
	for _, tt := range tests {
		got := Energy(LevelFromPayload(tt.size)) > DefaultThreshold
		if got != tt.speaking {
			t.Errorf("payload %d bytes: speaking = %v, want %v", tt.size, got, tt.speaking)
		}
	}
}
