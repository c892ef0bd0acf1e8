package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestLoggingRWRecordsStatusAndSize проверяет накопление размера и кода ответа
func TestLoggingRWRecordsStatusAndSize(t *testing.T) {
	rec := httptest.NewRecorder()
	data := &ResponseData{}
	lw := &LoggingRW{ResponseWriter: rec, ResponseData: data}

	lw.WriteHeader(http.StatusTeapot)
	_, _ = lw.Write([]byte("hello"))
	_, _ = lw.Write([]byte(" world"))

	assert.Equal(t, http.StatusTeapot, data.Status)
	assert.Equal(t, 11, data.Size)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestLoggingRWImplicitOK(t *testing.T) {
	data := &ResponseData{}
	lw := &LoggingRW{ResponseWriter: httptest.NewRecorder(), ResponseData: data}

	_, _ = lw.Write([]byte("x"))

	assert.Equal(t, http.StatusOK, data.Status)
}

func TestNewLogger(t *testing.T) {
	dev, err := NewLogger(true, "")
	require.NoError(t, err)
	assert.NotNil(t, dev)

	prod, err := NewLogger(false, "warn")
	require.NoError(t, err)
	assert.False(t, prod.Desugar().Core().Enabled(zapcore.DebugLevel))
}
