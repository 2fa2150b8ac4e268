package corerun

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFuncSchemaDelegatesToTheWrappedFunc(t *testing.T) {
	s := FuncSchema(func(value any) (any, error) {
		n, ok := value.(int)
		if !ok || n < 0 {
			return nil, &SchemaError{Message: "expected a non-negative int"}
		}
		return n * 2, nil
	})

	v, err := s.Validate(5)
	require.NoError(t, err)
	require.Equal(t, 10, v)

	_, err = s.Validate(-1)
	require.Error(t, err)
}

func TestTypeSchemaAcceptsMatchingTypeAndRejectsMismatch(t *testing.T) {
	s := TypeSchema[string]()

	v, err := s.Validate("hello")
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	_, err = s.Validate(42)
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestTypeSchemaAllowsNilThrough(t *testing.T) {
	s := TypeSchema[*int]()
	v, err := s.Validate(nil)
	require.NoError(t, err)
	require.Nil(t, v)
}
