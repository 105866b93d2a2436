package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/comptapilot/comptapilot/internal/classify"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around object", `Voici le résultat : {"a":1} comme demandé.`, `{"a":1}`},
		{"no json", "désolé, je ne peux pas", ""},
		{"unclosed", `{"a":1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.content))
		})
	}
}

func TestBuildPromptCarriesSnapshot(t *testing.T) {
	input := classify.Input{
		OCRText: "FACTURE 2024-042 Dupont SARL",
		Fields: classify.ExtractedFields{
			SupplierName:  "Dupont SARL",
			InvoiceNumber: "2024-042",
			AmountHT:      1000.00,
			AmountTVA:     200.00,
			AmountTTC:     1200.00,
			TVARate:       20.0,
		},
	}

	prompt := buildPrompt(input)
	assert.Contains(t, prompt, "FACTURE 2024-042 Dupont SARL")
	assert.Contains(t, prompt, "Dupont SARL")
	assert.Contains(t, prompt, "1200.00")
	// The canonical accounts the model must post against.
	assert.Contains(t, prompt, "445660")
	assert.Contains(t, prompt, "401000")
}

func TestSystemPromptDemandsStrictJSON(t *testing.T) {
	assert.Contains(t, strings.ToLower(systemPrompt), "json")
}
