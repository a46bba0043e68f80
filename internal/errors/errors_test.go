package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapFormatsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeChainFailure, cause, "连接节点失败")

	assert.Equal(t, "[CHAIN_FAILURE] 连接节点失败: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.Retryable())
	assert.True(t, err.ShouldAlert())
}

func TestNewUsesRegisteredMessage(t *testing.T) {
	err := New(CodeWeightsInvalid, "")
	assert.Equal(t, "[WEIGHTS_INVALID] strategy weights invalid", err.Error())
	assert.Equal(t, SeverityWarning, err.Severity())
	assert.False(t, err.Retryable())
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeChainFailure, "nonce too low",
		WithRetryable(false),
		WithAlert(false),
		WithSeverity(SeverityInfo),
		WithMetadata("network", "polygon"),
	)
	assert.False(t, err.Retryable())
	assert.False(t, err.ShouldAlert())
	assert.Equal(t, SeverityInfo, err.Severity())
	assert.Equal(t, map[string]string{"network": "polygon"}, err.Metadata())
}

func TestFromWalksWrappedChain(t *testing.T) {
	inner := New(CodeNetworkForbidden, "harvest 不允许在主网执行")
	outer := fmt.Errorf("执行任务失败: %w", inner)

	got, ok := From(outer)
	require.True(t, ok)
	assert.Equal(t, CodeNetworkForbidden, got.Code())
	assert.Equal(t, CodeNetworkForbidden, CodeOf(outer))
	assert.True(t, HasCode(outer, CodeNetworkForbidden))
	assert.True(t, stdErrors.Is(outer, New(CodeNetworkForbidden, "")))
	assert.False(t, stdErrors.Is(outer, New(CodeNotFound, "")))
}

func TestPlainErrorsFallBackToUnknown(t *testing.T) {
	err := stdErrors.New("boom")
	assert.Equal(t, CodeUnknown, CodeOf(err))
	assert.False(t, RetryableError(err))
	assert.False(t, ShouldAlert(err))
	assert.Equal(t, SeverityCritical, SeverityOf(err))
}

func TestRegisterCustomCode(t *testing.T) {
	code := Code("TEST_CUSTOM")
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, Retryable: true})
	assert.True(t, New(code, "").Retryable())
	assert.Contains(t, Codes(), code)
}

func TestLogAttrsSortedMetadata(t *testing.T) {
	err := New(CodeProposalFailure, "x", WithMetadata("b", "2"), WithMetadata("a", "1"))
	attrs := err.LogAttrs()
	require.Len(t, attrs, 5)
	assert.Equal(t, "a", attrs[3].Key)
	assert.Equal(t, "b", attrs[4].Key)
}
