// Package mysql persists deployment records and executed deployment steps in
// MySQL. The schema is managed by the embedded migrations under
// deploy/migrations.
package mysql
