package utils

func Ptr[T any](v T) *T {
	return &v
}

func DefaultIfNil[T any](ptr *T, defaultVal T) T {
	if ptr == nil {
		return defaultVal
	}
	return *ptr
}

// DefaultIfZero is DefaultIfNil for options passed by value
func DefaultIfZero[T comparable](v T, defaultVal T) T {
	var zero T
	if v == zero {
		return defaultVal
	}
	return v
}
