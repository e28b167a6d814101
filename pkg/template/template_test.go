package template

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	inferrors "github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/types"
)

func TestCompileRejectsBadSyntax(t *testing.T) {
	_, err := Compile("primary", Spec{User: "{{.topic"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "primary")
}

func TestRenderSystem(t *testing.T) {
	t.Run("plain text passthrough", func(t *testing.T) {
		r, err := Compile("primary", Spec{})
		require.NoError(t, err)

		system, err := r.RenderSystem(types.Input{System: json.RawMessage(`"be concise"`)})
		require.NoError(t, err)
		require.Equal(t, "be concise", system)
	})

	t.Run("structured arguments", func(t *testing.T) {
		r, err := Compile("primary", Spec{System: "You are a {{.persona}}."})
		require.NoError(t, err)

		system, err := r.RenderSystem(types.Input{System: json.RawMessage(`{"persona":"pirate"}`)})
		require.NoError(t, err)
		require.Equal(t, "You are a pirate.", system)
	})

	t.Run("structured input without template fails", func(t *testing.T) {
		r, err := Compile("primary", Spec{})
		require.NoError(t, err)

		_, err = r.RenderSystem(types.Input{System: json.RawMessage(`{"persona":"pirate"}`)})
		require.Equal(t, inferrors.KindTemplateRender, inferrors.KindOf(err))
	})
}

func TestRenderMessages(t *testing.T) {
	r, err := Compile("primary", Spec{User: "Tell me about {{.topic}}."})
	require.NoError(t, err)

	args, err := types.ArgumentsBlock(map[string]string{"topic": "tides"})
	require.NoError(t, err)

	rendered, err := r.RenderMessages([]types.Message{
		{Role: types.RoleUser, Content: []types.ContentBlock{args}},
		{Role: types.RoleAssistant, Content: []types.ContentBlock{types.TextBlock("High twice a day.")}},
	})
	require.NoError(t, err)
	require.Len(t, rendered, 2)
	require.Equal(t, "Tell me about tides.", rendered[0].Text)
	require.Equal(t, "High twice a day.", rendered[1].Text)
}

func TestRenderMessagesMissingVariable(t *testing.T) {
	r, err := Compile("primary", Spec{User: "Tell me about {{.topic}}."})
	require.NoError(t, err)

	args, err := types.ArgumentsBlock(map[string]string{"subject": "tides"})
	require.NoError(t, err)

	_, err = r.RenderMessages([]types.Message{
		{Role: types.RoleUser, Content: []types.ContentBlock{args}},
	})
	require.Error(t, err)

	var infErr *inferrors.InferenceError
	require.True(t, errors.As(err, &infErr))
	require.Equal(t, inferrors.KindTemplateRender, infErr.Kind)
	require.True(t, infErr.Retryable, "render failures must allow fallback to other variants")
	require.Contains(t, infErr.Message, "primary")
}

func TestRenderMessagesSkipsThoughts(t *testing.T) {
	r, err := Compile("primary", Spec{})
	require.NoError(t, err)

	rendered, err := r.RenderMessages([]types.Message{
		{Role: types.RoleAssistant, Content: []types.ContentBlock{
			{Type: types.BlockThought, Text: "pondering"},
			types.TextBlock("answer"),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "answer", rendered[0].Text)
}

func TestRenderMessagesArgumentsWithoutTemplate(t *testing.T) {
	r, err := Compile("primary", Spec{})
	require.NoError(t, err)

	args, err := types.ArgumentsBlock(map[string]string{"topic": "tides"})
	require.NoError(t, err)

	_, err = r.RenderMessages([]types.Message{
		{Role: types.RoleUser, Content: []types.ContentBlock{args}},
	})
	require.Equal(t, inferrors.KindTemplateRender, inferrors.KindOf(err))
}
