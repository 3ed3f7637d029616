package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"autosint/pkg/apitypes"
)

func TestValidateHypothesisProbabilities(t *testing.T) {
	require.NoError(t, validateHypothesisProbabilities(nil))

	require.NoError(t, validateHypothesisProbabilities([]apitypes.CompetingHypothesis{
		{Probability: 0.6}, {Probability: 0.41},
	}))

	err := validateHypothesisProbabilities([]apitypes.CompetingHypothesis{
		{Probability: 0.2}, {Probability: 0.3},
	})
	require.Error(t, err)
}

func TestHandleProduceAssessment_RejectsSecondCallInSameSession(t *testing.T) {
	hctx := newTestHandlerContext(newFakeGraph(), newFakeStore(), &fakeQueue{})
	args := json.RawMessage(`{"confidence":"high","content":{"summary":"s","analysis":"a"}}`)

	_, err := handleProduceAssessment(hctx, args)
	require.NoError(t, err)

	_, err = handleProduceAssessment(hctx, args)
	require.Error(t, err, "only one assessment is allowed per session")
}

func TestHandleProduceAssessment_RejectsUnbalancedHypotheses(t *testing.T) {
	hctx := newTestHandlerContext(newFakeGraph(), newFakeStore(), &fakeQueue{})
	args := json.RawMessage(`{
		"confidence":"moderate",
		"content":{
			"summary":"s",
			"analysis":"a",
			"competing_hypotheses":[{"probability":0.2,"reasoning":"x"}]
		}
	}`)

	_, err := handleProduceAssessment(hctx, args)
	require.Error(t, err)
	require.False(t, hctx.Counters.AssessmentProduced.Load())
}

func TestHandleProduceAssessment_RequiresValidConfidence(t *testing.T) {
	hctx := newTestHandlerContext(newFakeGraph(), newFakeStore(), &fakeQueue{})
	_, err := handleProduceAssessment(hctx, json.RawMessage(`{"confidence":"extreme","content":{}}`))
	require.Error(t, err)
}
