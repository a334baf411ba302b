package output

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type row struct {
	ID      string `json:"id" yaml:"id"`
	Quality string `json:"quality" yaml:"quality"`
	hidden  int
}

type peersView []row

func (p peersView) Headers() []string { return []string{"PEER", "QUALITY"} }
func (p peersView) Rows() [][]string {
	out := make([][]string, len(p))
	for i, r := range p {
		out[i] = []string{r.ID, r.Quality}
	}
	return out
}

func TestTableFormatterReflectsStructs(t *testing.T) {
	out := NewFormatter("table").Format([]row{{ID: "peer-a", Quality: "excellent", hidden: 1}})
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "QUALITY")
	assert.Contains(t, out, "peer-a")
	assert.NotContains(t, out, "HIDDEN")

	out = NewFormatter("").Format(row{ID: "x"})
	assert.Contains(t, out, "FIELD")
	assert.Contains(t, out, "x")

	assert.Equal(t, "No resources found.\n", NewFormatter("table").Format([]row{}))
}

func TestTableFormatterUsesTabular(t *testing.T) {
	out := NewFormatter("table").Format(peersView{{ID: "peer-b", Quality: "fair"}})
	assert.Contains(t, out, "PEER")
	assert.Contains(t, out, "fair")
}

func TestJSONAndYAML(t *testing.T) {
	data := []row{{ID: "a", Quality: "good"}}

	var fromJSON []row
	require.NoError(t, json.Unmarshal([]byte(NewFormatter("json").Format(data)), &fromJSON))
	assert.Equal(t, "good", fromJSON[0].Quality)

	var fromYAML []row
	require.NoError(t, yaml.Unmarshal([]byte(NewFormatter("YAML").Format(data)), &fromYAML))
	assert.Equal(t, "a", fromYAML[0].ID)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("json"))
	assert.True(t, Valid(""))
	assert.False(t, Valid("xml"))
}
