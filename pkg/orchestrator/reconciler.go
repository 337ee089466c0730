package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/model"
)

// reconciler echoes every desired change back as reported state.
type reconciler struct {
	forward func(model.PropertyDocument) error
	log     *logrus.Entry
}

func (r *reconciler) handleDesired(state model.TwinUpdateState, payload json.RawMessage) error {
	effective, err := model.EffectiveDesired(state, payload)
	if err != nil {
		return err
	}

	doc, err := model.ParseDocument(effective)
	if err != nil {
		return err
	}
	delete(doc, model.VersionKey)

	r.log.WithField("state", state).WithField("properties", len(doc)).Debug("desired properties received")
	if err := r.forward(doc); err != nil {
		return fmt.Errorf("forward desired properties: %w", err)
	}
	return nil
}
