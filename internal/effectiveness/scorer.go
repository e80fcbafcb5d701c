package effectiveness

// DefaultAlpha is the EWMA smoothing factor used when none is configured.
const DefaultAlpha = 0.2

// Signal converts an outcome reward in [0,1] into a signed effectiveness
// signal in [-1,1]. A neutral reward (0.5) carries no information.
func Signal(reward float64) float64 {
	return clamp(2*reward - 1)
}

// EmotionModifier returns the scaling factor applied to the learning rate for
// the customer's detected emotion. Outcomes observed while the customer is
// upset say less about the pattern than about the mood.
// calm/engaged=1.0, anxious=0.7, frustrated/angry=0.5, unknown/default=1.0.
func EmotionModifier(emotion string) float64 {
	switch emotion {
	case "calm", "engaged", "excited":
		return 1.0
	case "anxious", "skeptical":
		return 0.7
	case "frustrated", "angry":
		return 0.5
	default:
		return 1.0
	}
}

// Update applies one EWMA step.
//
// Formula: new = (1 - alpha) x old + alpha x signal
func Update(current, signal, alpha float64) float64 {
	return UpdateWithEmotion(current, signal, alpha, "")
}

// UpdateWithEmotion applies one EWMA step with alpha scaled by the emotion modifier.
func UpdateWithEmotion(current, signal, alpha float64, emotion string) float64 {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	a := alpha * EmotionModifier(emotion)
	return clamp((1-a)*current + a*clamp(signal))
}

// Decay pulls a stale score toward neutral.
// rate is typically 0.01, days is the number of days since the pattern last fired.
func Decay(current, rate float64, days int) float64 {
	score := current
	for i := 0; i < days; i++ {
		score *= (1.0 - rate)
	}
	return clamp(score)
}

func clamp(score float64) float64 {
	if score < -1.0 {
		return -1.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
