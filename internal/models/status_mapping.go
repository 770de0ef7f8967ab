package models

// StatusMapping — административная строка справочника:
// (carrier_code, status_raw, status_code) -> единый статус.
// На запросном пути read-only.
type StatusMapping struct {
	ID          uint64
	CarrierCode string
	StatusRaw   string
	StatusCode  string

	UnifiedStatus     UnifiedStatus
	IsTerminal        bool
	IsStoreNotifiable bool
	StoreStatusLabel  string
}
