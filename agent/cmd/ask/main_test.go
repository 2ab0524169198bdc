package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/program"
)

func TestLake_Ask_PrintResult(t *testing.T) {
	t.Parallel()

	res := &executor.Result{
		IsScalar: true,
		Scalar:   3.0,
		Program:  "df[df.churn_probability > 0.8].shape[0]",
		Kind:     program.KindTabular,
		Origin:   program.OriginFallback,
		Summary:  "3",
		Synopsis: "The count is 3.",
	}

	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, res, false, true))
	require.Equal(t, "3\n\nThe count is 3.\n\n[fallback/tabular_program] df[df.churn_probability > 0.8].shape[0]\n", buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, res, true, false))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "The count is 3.", decoded["synopsis"])
	require.InDelta(t, 3.0, decoded["scalar"], 0)
}
