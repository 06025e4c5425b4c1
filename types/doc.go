// Package types provides core types shared across choir.
// This package has ZERO dependencies on other choir packages to avoid
// circular imports. All other packages should import types from here.
package types
