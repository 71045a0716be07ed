package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("calling: %w", Wrap(DependencyUnavailable, "compliance", base))

	assert.Equal(t, DependencyUnavailable, KindOf(err))
	assert.Equal(t, "compliance", DependencyOf(err))
	assert.True(t, errors.Is(err, base))
	assert.True(t, IsDependencyFailure(err))

	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, Is(nil, Internal))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(DataIntegrity, "optimization", errors.New("bad json"))
	assert.Equal(t, "optimization: data_integrity_error: bad json", err.Error())

	v := New(Validation, "rating %d out of range", 9)
	assert.Equal(t, "validation_error: rating 9 out of range", v.Error())
	assert.False(t, IsDependencyFailure(v))
}
