package in_toto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteLayoutReplacesKnownPlaceholder(t *testing.T) {
	layout := Layout{
		Steps: []Step{{
			SupplyChainItem: SupplyChainItem{Name: "build"},
			ExpectedCommand: []string{"make", "{TARGET}"},
		}},
	}
	out, err := SubstituteLayout(layout, SubstitutionParameters{"TARGET": "release"})
	require.NoError(t, err)
	assert.Equal(t, []string{"make", "release"}, out.Steps[0].ExpectedCommand)
}

func TestSubstituteLayoutRejectsUndefinedPlaceholder(t *testing.T) {
	layout := Layout{
		Steps: []Step{{
			SupplyChainItem: SupplyChainItem{Name: "build"},
			ExpectedCommand: []string{"make", "{TARGET}"},
		}},
	}
	_, err := SubstituteLayout(layout, SubstitutionParameters{})
	require.Error(t, err)
	var kindErr *Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, KindSchema, kindErr.Kind)
}

func TestSubstituteLayoutLeavesLayoutWithoutPlaceholdersUnchanged(t *testing.T) {
	layout := Layout{
		Steps: []Step{{
			SupplyChainItem: SupplyChainItem{Name: "build"},
			ExpectedCommand: []string{"make"},
		}},
	}
	out, err := SubstituteLayout(layout, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"make"}, out.Steps[0].ExpectedCommand)
}
