package sentinel

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBool(t *testing.T) {
	ctx := context.Background()
	eval := NewEvaluator()

	doc := &Doc{
		Type: "data_record",
		Form: "V",
		Fields: map[string]any{
			"last_menstrual_period": float64(15),
			"name":                  "",
		},
	}
	env := map[string]any{"doc": doc.AsMap()}

	testCases := []struct {
		name       string
		expression string
		expect     bool
	}{
		{name: "true literal", expression: "true", expect: true},
		{name: "false literal", expression: "false", expect: false},
		{name: "field equals", expression: "doc.fields.last_menstrual_period == 15", expect: true},
		{name: "field differs", expression: "doc.fields.last_menstrual_period == 16", expect: false},
		{name: "truthy number", expression: "doc.fields.last_menstrual_period", expect: true},
		{name: "empty string falsy", expression: "doc.fields.name", expect: false},
		{name: "form match", expression: `doc.form == "V"`, expect: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eval.EvaluateBool(ctx, tc.expression, env)
			jtest.RequireNil(t, err)
			require.Equal(t, tc.expect, got)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	ctx := context.Background()
	eval := NewEvaluator()

	t.Run("UndeclaredVariable", func(t *testing.T) {
		_, err := eval.Evaluate(ctx, "store.get('x')", map[string]any{"doc": map[string]any{}})
		jtest.Require(t, ErrEval, err)
	})

	t.Run("SyntaxError", func(t *testing.T) {
		_, err := eval.Evaluate(ctx, "doc ==", map[string]any{"doc": map[string]any{}})
		jtest.Require(t, ErrEval, err)
	})

	t.Run("NilFieldAccess", func(t *testing.T) {
		// A document without fields fails the lookup rather than silently
		// evaluating false.
		doc := &Doc{Type: "data_record", Form: "V"}
		_, err := eval.Evaluate(ctx, "doc.fields.count == 1", map[string]any{"doc": doc.AsMap()})
		jtest.Require(t, ErrEval, err)
	})
}

func TestEvaluateTimeout(t *testing.T) {
	ctx := context.Background()
	eval := NewEvaluator(WithEvalTimeout(10 * time.Millisecond))

	env := map[string]any{
		"spin": func() bool {
			time.Sleep(time.Second)
			return true
		},
	}

	_, err := eval.Evaluate(ctx, "spin()", env)
	jtest.Require(t, ErrEval, err)
}

func TestResolvePhones(t *testing.T) {
	ctx := context.Background()
	eval := NewEvaluator()

	counted := []map[string]any{
		{
			"contact": map[string]any{
				"parent": map[string]any{
					"contact": map[string]any{"phone": "+27111"},
				},
			},
		},
	}

	t.Run("LiteralAndExpression", func(t *testing.T) {
		phones, errs := eval.ResolvePhones(ctx, []string{
			"+27999",
			"countedReports[0].contact.parent.contact.phone",
		}, counted)
		require.Empty(t, errs)
		require.Equal(t, []string{"+27999", "+27111"}, phones)
	})

	t.Run("Dedup", func(t *testing.T) {
		phones, errs := eval.ResolvePhones(ctx, []string{"+27999", "+27999"}, counted)
		require.Empty(t, errs)
		require.Equal(t, []string{"+27999"}, phones)
	})

	t.Run("NonStringResult", func(t *testing.T) {
		phones, errs := eval.ResolvePhones(ctx, []string{"countedReports"}, counted)
		require.Empty(t, phones)
		require.Len(t, errs, 1)
	})

	t.Run("BadExpressionIsNonFatal", func(t *testing.T) {
		phones, errs := eval.ResolvePhones(ctx, []string{
			"no_such_variable.phone",
			"+27999",
		}, counted)
		require.Equal(t, []string{"+27999"}, phones)
		require.Len(t, errs, 1)
	})
}
