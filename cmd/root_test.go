package main

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"loop", "ledger", "baseline", "agreement", "campaign", "serve", "monitor"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "stabilizer", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestLoopRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"iterations", "max-retries", "policy", "ledger", "gated", "emit-alerts"} {
		flag := loopRunCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "loop run should have --%s flag", name)
	}
	assert.Equal(t, "1", loopRunCmd.Flags().Lookup("iterations").DefValue)
	assert.Equal(t, "3", loopRunCmd.Flags().Lookup("max-retries").DefValue)
}

func TestLedgerCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range ledgerCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"verify", "tail", "append"} {
		assert.True(t, names[name], "expected ledger subcommand %q", name)
	}
}

func TestBaselineCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range baselineCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["capture"])
	assert.True(t, names["publish"])
}

func TestCampaignRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"batches", "iterations", "continue-on-fail", "out", "gated", "record"} {
		flag := campaignRunCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "campaign run should have --%s flag", name)
	}
}

func TestAgreementCheckCommand_Flags(t *testing.T) {
	for _, name := range []string{"nodes", "shared-location", "gate"} {
		flag := agreementCheckCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "agreement check should have --%s flag", name)
	}
}

func TestExitErrorCodes(t *testing.T) {
	err := gatedErr(eris.New("classification failed"))
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.code)

	err = configErr(eris.New("missing policy"))
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.code)
	assert.Contains(t, err.Error(), "missing policy")
}
