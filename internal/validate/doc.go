// Package validate holds the input checks shared by the admin API forms.
//
// Every function here is total over its input: malformed or unexpected values
// are rejected through the return value ("" or false), never through a panic
// or an error. Inputs are typed as any so JSON-decoded values can be passed
// straight through without the caller type-switching first.
package validate
