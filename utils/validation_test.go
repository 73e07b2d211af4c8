package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatPayload struct {
	Model    string   `json:"model"`
	Messages []string `json:"messages" validate:"required,min=1"`
	Provider string   `json:"provider" validate:"omitempty,oneof=openai gemini ollama"`
}

func TestValidateStruct_Valid(t *testing.T) {
	err := ValidateStruct(&chatPayload{Messages: []string{"hi"}, Provider: "ollama"})
	assert.NoError(t, err)
}

func TestValidateStruct_MissingRequired(t *testing.T) {
	err := ValidateStruct(&chatPayload{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	fields := GetValidationFields(err)
	assert.Contains(t, fields, "Messages")
	assert.Equal(t, "Messages is required", fields["Messages"])
}

func TestValidateStruct_OneOf(t *testing.T) {
	err := ValidateStruct(&chatPayload{Messages: []string{"hi"}, Provider: "bedrock"})
	require.Error(t, err)
	fields := GetValidationFields(err)
	assert.Equal(t, "Provider must be one of: openai gemini ollama", fields["Provider"])
}
