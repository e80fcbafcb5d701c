package effectiveness

import (
	"math"
	"testing"
)

func TestSignal(t *testing.T) {
	tests := []struct {
		name   string
		reward float64
		want   float64
	}{
		{"converted", 1.0, 1.0},
		{"abandoned", 0.0, -1.0},
		{"neutral", 0.5, 0.0},
		{"objection resolved", 0.7, 0.4},
		{"out of range clamps", 3.0, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Signal(tt.reward); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Signal(%f) = %f, want %f", tt.reward, got, tt.want)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		signal  float64
		alpha   float64
		want    float64
	}{
		{"positive signal from zero", 0.0, 1.0, 0.2, 0.2},
		{"negative signal from zero", 0.0, -1.0, 0.2, -0.2},
		{"moves toward signal", 0.4, 1.0, 0.2, 0.52},
		{"neutral signal decays", 0.4, 0.0, 0.2, 0.32},
		{"invalid alpha uses default", 0.0, 1.0, 0.0, 0.2},
		{"alpha one replaces", 0.4, -0.5, 1.0, -0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Update(tt.current, tt.signal, tt.alpha)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("Update(%f, %f, %f) = %f, want %f", tt.current, tt.signal, tt.alpha, got, tt.want)
			}
		})
	}
}

func TestUpdate_StaysInRange(t *testing.T) {
	score := 0.0
	for i := 0; i < 200; i++ {
		score = Update(score, 1.0, 0.9)
	}
	if score > 1.0 {
		t.Errorf("score escaped upper bound: %f", score)
	}
	for i := 0; i < 200; i++ {
		score = Update(score, -1.0, 0.9)
	}
	if score < -1.0 {
		t.Errorf("score escaped lower bound: %f", score)
	}
}

func TestEmotionModifier(t *testing.T) {
	tests := []struct {
		emotion string
		want    float64
	}{
		{"calm", 1.0},
		{"anxious", 0.7},
		{"frustrated", 0.5},
		{"", 1.0},
		{"bemused", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.emotion, func(t *testing.T) {
			if got := EmotionModifier(tt.emotion); got != tt.want {
				t.Errorf("EmotionModifier(%q) = %f, want %f", tt.emotion, got, tt.want)
			}
		})
	}
}

func TestUpdateWithEmotion_Frustrated(t *testing.T) {
	// alpha 0.2 halved to 0.1
	got := UpdateWithEmotion(0.0, 1.0, 0.2, "frustrated")
	if math.Abs(got-0.1) > 0.001 {
		t.Errorf("expected 0.1, got %f", got)
	}
	base := Update(0.0, 1.0, 0.2)
	if got >= base {
		t.Errorf("frustrated update (%f) should move less than baseline (%f)", got, base)
	}
}

func TestDecay(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		rate    float64
		days    int
		want    float64
	}{
		{"no decay at 0 days", 0.8, 0.01, 0, 0.8},
		{"1 day decay", 1.0, 0.01, 1, 0.99},
		{"7 days decay", 1.0, 0.01, 7, 0.9321},
		{"negative decays toward zero", -1.0, 0.01, 30, -0.7397},
		{"zero stays zero", 0.0, 0.01, 30, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decay(tt.current, tt.rate, tt.days)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("Decay(%f, %f, %d) = %f, want %f", tt.current, tt.rate, tt.days, got, tt.want)
			}
		})
	}
}
