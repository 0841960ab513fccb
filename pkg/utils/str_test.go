package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitByMultipleDelimiters(t *testing.T) {
	input := "a,b;c"
	delimiters := []string{",", ";"}
	expected := []string{"a", "b", "c"}
	result := SplitByMultipleDelimiters(input, delimiters...)
	assert.Equal(t, expected, result)
	input = "a,b=c"
	expected = []string{"a", "b=c"}
	result = SplitByMultipleDelimiters(input, delimiters...)
	assert.Equal(t, expected, result)
	input = "a,b"
	expected = []string{"a,b"}
	result = SplitByMultipleDelimiters(input)
	assert.Equal(t, expected, result)
}

func TestSplitAddrs(t *testing.T) {
	assert.Equal(t, []string{"h1:6379", "h2:6379", "h3:6379"}, SplitAddrs(" h1:6379; h2:6379,,h3:6379 "))
	assert.Equal(t, []string{"localhost:6379"}, SplitAddrs("localhost:6379"))
	assert.Empty(t, SplitAddrs(" ; "))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "a", FirstNonEmpty("", "a", "b"))
	assert.Equal(t, "", FirstNonEmpty("", ""))
	assert.Equal(t, "x", FirstNonEmpty("x"))
}
