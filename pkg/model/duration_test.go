package model

import (
	"encoding/json"
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestDurationJSON(t *testing.T) {
	var d Duration
	assert.NilError(t, json.Unmarshal([]byte(`"5m"`), &d))
	assert.Equal(t, d.Std(), 5*time.Minute)

	assert.NilError(t, json.Unmarshal([]byte(`1.5`), &d))
	assert.Equal(t, d.Std(), 1500*time.Millisecond)

	assert.ErrorContains(t, json.Unmarshal([]byte(`"soon"`), &d), "error parsing duration")
	assert.ErrorContains(t, json.Unmarshal([]byte(`true`), &d), "invalid duration")

	bs, err := json.Marshal(Duration(time.Minute))
	assert.NilError(t, err)
	assert.Equal(t, string(bs), `"1m0s"`)
}
