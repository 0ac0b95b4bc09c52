// Package mysql persists plugin runtime options (enabled list, installed
// versions, granted and pending permissions) in a MySQL table managed by the
// embedded migrations under deploy/migrations.
package mysql
