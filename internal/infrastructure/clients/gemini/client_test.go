package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googolhealth/medannotator/backend/internal/domain/providers"
	"github.com/googolhealth/medannotator/backend/pkg/config"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain json", in: `{"a": 1}`, want: `{"a": 1}`},
		{name: "json fence", in: "```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "bare fence", in: "```\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "leading whitespace", in: "  {\"a\": 1}  ", want: `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCodeFences(tt.in))
		})
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(&config.GeminiConfig{}, "gemini-2.0-flash-lite")
	assert.Error(t, err, "an api key is required")

	_, err = NewClient(&config.GeminiConfig{APIKey: "key"}, "  ")
	assert.Error(t, err, "a model name is required")

	client, err := NewClient(&config.GeminiConfig{APIKey: "key", RateLimitRPM: -1}, "gemini-2.0-flash-lite")
	require.NoError(t, err)
	assert.NoError(t, client.Healthy(context.Background()))
}

func TestToolDeclarations(t *testing.T) {
	decls := toolDeclarations([]providers.ToolSpec{{
		Name:        "analyze_flagged",
		Description: "run the pipeline",
		Parameters: map[string]providers.ToolParam{
			"set_name": {Type: "integer", Description: "dataset id"},
			"paths":    {Type: "array", Description: "paths"},
			"prompt":   {Type: "string", Description: "prompt"},
		},
	}})

	require.Len(t, decls, 1)
	require.Len(t, decls[0].FunctionDeclarations, 1)
	fd := decls[0].FunctionDeclarations[0]
	assert.Equal(t, "analyze_flagged", fd.Name)
	assert.Len(t, fd.Parameters.Properties, 3)
}

func TestClassify(t *testing.T) {
	assert.True(t, apperrors.IsType(classify(context.DeadlineExceeded), apperrors.ErrorTypeTimeout))
	assert.True(t, apperrors.IsType(classify(context.Canceled), apperrors.ErrorTypeTimeout))
	assert.True(t, apperrors.IsType(classify(assert.AnError), apperrors.ErrorTypeUnavailable))
	assert.True(t, apperrors.IsType(classify(nil), apperrors.ErrorTypeUnavailable))
}
