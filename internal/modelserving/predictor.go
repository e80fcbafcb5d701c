package modelserving

import (
	"context"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/prediction"
)

// Predictor exposes one served model through the prediction port.
type Predictor struct {
	client *Client
	name   string
	model  string
	typ    prediction.Type
}

func NewPredictor(client *Client, name, model string, typ prediction.Type) *Predictor {
	if model == "" {
		model = name
	}
	return &Predictor{client: client, name: name, model: model, typ: typ}
}

func (p *Predictor) Predict(ctx context.Context, c *conversation.Context) (prediction.Result, error) {
	features := conversation.Features(c)
	out, err := p.client.Predict(ctx, p.model, features)
	if err != nil {
		return prediction.Result{}, err
	}
	return prediction.Result{
		Predictor:  p.name,
		Type:       p.typ,
		Value:      out.Value,
		Label:      out.Label,
		Confidence: out.Confidence,
		Features:   features,
	}, nil
}
