package dataset

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadCSVSelectsRequestedColumns(t *testing.T) {
	path := writeTempCSV(t, "id,age,income,region\nr1,30,52000,2\nr2,45,61000,1\nr3,28,48000,3\n")

	loaded, err := LoadCSV(path, Options{
		Variables: []string{"income", "age"},
		IDColumn:  "id",
	})
	require.NoError(t, err)

	require.Equal(t, 3, loaded.Design.Rows())
	require.Equal(t, 2, loaded.Design.Cols())
	assert.Equal(t, []string{"income", "age"}, loaded.Design.Names())
	assert.Equal(t, 52000.0, loaded.Design.At(0, 0))
	assert.Equal(t, 30.0, loaded.Design.At(0, 1))
	assert.Equal(t, []string{"r1", "r2", "r3"}, loaded.IDs)
	assert.Nil(t, loaded.Weights)
}

func TestLoadCSVRowNumberIDsWhenNoIDColumn(t *testing.T) {
	path := writeTempCSV(t, "age\n30\n45\n")

	loaded, err := LoadCSV(path, Options{Variables: []string{"age"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, loaded.IDs)
}

func TestLoadCSVExtractsWeights(t *testing.T) {
	path := writeTempCSV(t, "age,wt\n30,1.5\n45,0.8\n")

	loaded, err := LoadCSV(path, Options{
		Variables:    []string{"age"},
		WeightColumn: "wt",
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 0.8}, loaded.Weights)
}

func TestLoadCSVMissingTokensBecomeNaN(t *testing.T) {
	path := writeTempCSV(t, "age,income\n30,NA\n45,61000\nn/a,48000\n28,.\n")

	loaded, err := LoadCSV(path, Options{Variables: []string{"age", "income"}})
	require.NoError(t, err)

	assert.True(t, math.IsNaN(loaded.Design.At(0, 1)))
	assert.True(t, math.IsNaN(loaded.Design.At(2, 0)), "missing tokens match case-insensitively")
	assert.True(t, math.IsNaN(loaded.Design.At(3, 1)))
	assert.Equal(t, 61000.0, loaded.Design.At(1, 1))
	assert.True(t, loaded.Design.HasMissing())
}

func TestLoadCSVCustomMissingTokens(t *testing.T) {
	path := writeTempCSV(t, "age\n-9\n45\n")

	loaded, err := LoadCSV(path, Options{
		Variables:     []string{"age"},
		MissingTokens: []string{"-9"},
	})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(loaded.Design.At(0, 0)))
	// With a custom token set, "NA" is no longer special.
	path = writeTempCSV(t, "age\nNA\n")
	_, err = LoadCSV(path, Options{
		Variables:     []string{"age"},
		MissingTokens: []string{"-9"},
	})
	assert.Error(t, err)
}

func TestLoadCSVStripsByteOrderMark(t *testing.T) {
	path := writeTempCSV(t, "\ufeffage\n30\n")

	loaded, err := LoadCSV(path, Options{Variables: []string{"age"}})
	require.NoError(t, err)
	assert.Equal(t, 30.0, loaded.Design.At(0, 0))
}

func TestLoadCSVErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		opts    Options
		errLike string
	}{
		{
			name:    "missing variable column",
			content: "age\n30\n",
			opts:    Options{Variables: []string{"income"}},
			errLike: "no column",
		},
		{
			name:    "missing weight column",
			content: "age\n30\n",
			opts:    Options{Variables: []string{"age"}, WeightColumn: "wt"},
			errLike: "no weight column",
		},
		{
			name:    "missing id column",
			content: "age\n30\n",
			opts:    Options{Variables: []string{"age"}, IDColumn: "id"},
			errLike: "no id column",
		},
		{
			name:    "unparseable cell",
			content: "age\nthirty\n",
			opts:    Options{Variables: []string{"age"}},
			errLike: "parse",
		},
		{
			name:    "ragged row",
			content: "age,income\n30\n",
			opts:    Options{Variables: []string{"age"}},
			errLike: "line",
		},
		{
			name:    "no data rows",
			content: "age\n",
			opts:    Options{Variables: []string{"age"}},
			errLike: "no data rows",
		},
		{
			name:    "no variables requested",
			content: "age\n30\n",
			opts:    Options{},
			errLike: "no variables",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempCSV(t, tt.content)
			_, err := LoadCSV(path, tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errLike)
		})
	}
}

func TestLoadCSVFileNotFound(t *testing.T) {
	_, err := LoadCSV(filepath.Join(t.TempDir(), "absent.csv"), Options{Variables: []string{"age"}})
	assert.Error(t, err)
}
