// Package config loads the mqfleet configuration.
//
// Files may be YAML, JSON or CUE. Values are layered over the defaults
// declared in struct tags (creasty/defaults) and checked with
// go-playground/validator. CUE files are additionally unified with a
// closed schema, so misspelled keys and out-of-range values are reported
// with their file position before decoding.
//
//	cfg, err := config.Load("mqfleet.cue")
//	if err != nil {
//		return err
//	}
//	store, err := stores.NewSQLiteStore(cfg.Store.SQLite())
package config
