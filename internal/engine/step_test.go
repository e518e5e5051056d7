package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepString(t *testing.T) {
	assert.Equal(t, "Trial(7)", TrialStep(7).String())
	assert.Equal(t, "Reflection(3)", ReflectionStep(3).String())
	assert.Equal(t, "BlockIntro(2,10)", BlockIntroStep(2, 10).String())
	assert.Equal(t, "Complete", CompleteStep().String())
	assert.Equal(t, `Step("bogus")`, Step{Kind: "bogus"}.String())
}

func TestStepJSON(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{TrialStep(0), `{"kind":"trial","trial":0}`},
		{ReflectionStep(4), `{"kind":"reflection","condition":4}`},
		{BlockIntroStep(3, 20), `{"kind":"block_intro","trial":20,"block":3}`},
		{CompleteStep(), `{"kind":"complete"}`},
	}
	for _, tt := range tests {
		t.Run(tt.step.String(), func(t *testing.T) {
			data, err := json.Marshal(tt.step)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var back Step
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.step, back)
		})
	}
}

func TestNextAfterTrial(t *testing.T) {
	for n := 0; n < 50; n++ {
		step, check := nextAfterTrial(n)
		if (n+1)%10 == 0 {
			assert.True(t, check, "trial %d ends a block", n)
			continue
		}
		assert.False(t, check, "trial %d", n)
		assert.Equal(t, TrialStep(n+1), step)
	}
}

func TestRedirectError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", redirect("Trial(9)", TrialStep(3)))
	step, ok := AsRedirect(err)
	require.True(t, ok)
	assert.Equal(t, TrialStep(3), step)
	assert.True(t, IsRedirect(err))
	assert.Contains(t, err.Error(), "Trial(9) -> Trial(3)")

	assert.False(t, IsRedirect(errors.New("plain")))
	assert.Equal(t, "redirect: Complete", (&RedirectError{Step: CompleteStep()}).Error())
}
