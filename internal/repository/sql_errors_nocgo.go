//go:build !cgo

package repository

// cgoなしのビルドではSQLiteドライバが動作しないため、SQLiteのエラーは発生しない。
func isSQLiteUniqueViolation(error) bool {
	return false
}
