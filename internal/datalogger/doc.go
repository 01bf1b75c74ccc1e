// Package datalogger reads tables from a Campbell Scientific datalogger
// through its built-in web server API (BrowseSymbols, DataQuery and
// ClockCheck commands, JSON format).
//
// A Session lists the tables the logger exposes and fetches records
// strictly newer than a given instant as a lazy sequence of ordered
// batches. Every transport, authentication or decoding failure is reported
// as ErrDeviceUnavailable so callers can retry the whole pass.
package datalogger
