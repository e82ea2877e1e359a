package sqlstore

// IsContention exposes the driver error classification to the external tests.
var IsContention = isContention
