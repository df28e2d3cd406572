// Package idgen allocates snowflake task ids.
package idgen
