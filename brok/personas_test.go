package brok

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChatStyle(t *testing.T) {
	style, err := ParseChatStyle("acid")
	require.NoError(t, err)
	assert.Equal(t, ChatStyleAcid, style)

	style, err = ParseChatStyle("")
	require.NoError(t, err)
	assert.Equal(t, ChatStyleInformative, style, "empty defaults to informative")

	_, err = ParseChatStyle("grumpy")
	assert.Error(t, err)
}

func TestChatStyleScan(t *testing.T) {
	var style ChatStyle
	require.NoError(t, style.Scan("laele"))
	assert.Equal(t, ChatStyleLaele, style)

	require.NoError(t, style.Scan([]byte("informative")))
	assert.Equal(t, ChatStyleInformative, style)

	assert.Error(t, style.Scan(42))
	assert.Error(t, style.Scan("nope"))
}

func TestPersonaPromptPerStyle(t *testing.T) {
	prompts := map[ChatStyle]string{
		ChatStyleInformative: PersonaPrompt(ChatStyleInformative),
		ChatStyleAcid:        PersonaPrompt(ChatStyleAcid),
		ChatStyleLaele:       PersonaPrompt(ChatStyleLaele),
	}
	seen := map[string]ChatStyle{}
	for style, prompt := range prompts {
		require.NotEmpty(t, prompt)
		if prior, dup := seen[prompt]; dup {
			t.Fatalf("styles %s and %s share a prompt", prior, style)
		}
		seen[prompt] = style
	}

	// Unknown styles fall back rather than producing an empty prompt
	assert.Equal(
		t,
		PersonaPrompt(ChatStyleInformative),
		PersonaPrompt(ChatStyle("bogus")),
	)
}
