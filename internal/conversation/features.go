package conversation

// featureWindow bounds how much history feeds the feature snapshot.
const featureWindow = 20

// Features builds the snapshot handed to model-serving predictors. The map is
// deterministic for a given context so it can be hashed into a cache key.
func Features(c *Context) map[string]any {
	recent := c.Recent(featureWindow)

	var customer, agent, scored int
	var sentiment float64
	for _, m := range recent {
		switch m.Role {
		case RoleCustomer:
			customer++
		case RoleAgent:
			agent++
		}
		if m.Sentiment != nil {
			sentiment += *m.Sentiment
			scored++
		}
	}

	f := map[string]any{
		"phase":              string(c.Phase),
		"message_count":      len(c.Messages),
		"customer_messages":  customer,
		"agent_messages":     agent,
		"tier_hint":          c.Profile.TierHint,
		"archetype":          c.Profile.Archetype,
		"emotion":            c.Profile.Emotion,
		"last_customer_text": "",
	}
	if last, ok := c.LastFrom(RoleCustomer); ok {
		f["last_customer_text"] = last.Text
	}
	if scored > 0 {
		f["mean_sentiment"] = sentiment / float64(scored)
	}
	return f
}
