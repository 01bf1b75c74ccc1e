package datalogger

import "encoding/json"

// symbolTypeTable marks a table entry in BrowseSymbols output.
const symbolTypeTable = 6

type browseResponse struct {
	Symbols []symbol `json:"symbols"`
}

type symbol struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	Type      int    `json:"type"`
	IsEnabled bool   `json:"is_enabled"`
}

type clockResponse struct {
	Outcome int    `json:"outcome"`
	Time    string `json:"time"`
}

type dataResponse struct {
	Head dataHead    `json:"head"`
	Data []dataEntry `json:"data"`
	More bool        `json:"more"`
}

type dataHead struct {
	Transaction int         `json:"transaction"`
	Signature   int         `json:"signature"`
	Environment environment `json:"environment"`
	Fields      []field     `json:"fields"`
}

type environment struct {
	StationName string `json:"station_name"`
	TableName   string `json:"table_name"`
	Model       string `json:"model"`
	SerialNo    string `json:"serial_no"`
	OSVersion   string `json:"os_version"`
	ProgName    string `json:"prog_name"`
}

type field struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Units   string `json:"units"`
	Process string `json:"process"`
}

type dataEntry struct {
	Time string            `json:"time"`
	No   int64             `json:"no"`
	Vals []json.RawMessage `json:"vals"`
}

// errorResponse is what the logger returns for a rejected command.
type errorResponse struct {
	Outcome int    `json:"outcome"`
	Message string `json:"message"`
}
