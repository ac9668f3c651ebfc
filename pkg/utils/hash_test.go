package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashTextNormalizesWhitespaceAndCase(t *testing.T) {
	assert.Equal(t, HashText("What is  OOP?"), HashText(" what is oop? "))
	assert.NotEqual(t, HashText("What is OOP?"), HashText("What is FP?"))
	assert.Len(t, HashString("x"), 64)
}
