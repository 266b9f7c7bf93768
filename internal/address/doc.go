// Package address turns free-text mailing addresses from the dashboard into
// sanitized, component-split results.
//
// Parsing is deterministic and local: "street, city, STATE ZIP". Nothing here
// calls a verification service, a result only says whether the input has the
// shape of a complete address.
package address
