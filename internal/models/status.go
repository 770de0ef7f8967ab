package models

// Единая (carrier-agnostic) шкала статусов. Закрытый набор:
// любое сырое значение перевозчика нормализуется в один из них.
type UnifiedStatus string

const (
	StatusUnknown        UnifiedStatus = "UNKNOWN"
	StatusCreated        UnifiedStatus = "CREATED"
	StatusPickedUp       UnifiedStatus = "PICKED_UP"
	StatusInTransit      UnifiedStatus = "IN_TRANSIT"
	StatusOutForDelivery UnifiedStatus = "OUT_FOR_DELIVERY"
	StatusDelivered      UnifiedStatus = "DELIVERED"
	StatusException      UnifiedStatus = "EXCEPTION"
)

var statusRanks = map[UnifiedStatus]int{
	StatusUnknown:        0,
	StatusCreated:        1,
	StatusPickedUp:       2,
	StatusInTransit:      3,
	StatusOutForDelivery: 4,
	StatusDelivered:      5,
	StatusException:      5,
}

// Rank задаёт тотальный порядок "логистического прогресса".
// Неизвестные значения получают ранг UNKNOWN.
func (s UnifiedStatus) Rank() int {
	return statusRanks[s]
}

func (s UnifiedStatus) Valid() bool {
	_, ok := statusRanks[s]
	return ok
}

// ParseUnifiedStatus возвращает UNKNOWN для любого значения вне шкалы.
func ParseUnifiedStatus(v string) UnifiedStatus {
	s := UnifiedStatus(v)
	if !s.Valid() {
		return StatusUnknown
	}
	return s
}

// Advances решает, двигает ли событие-кандидат проекцию tracking_status.
// Терминальный статус залипает: после него проекция не меняется никогда.
// Нетерминальная проекция двигается вперёд (rank >= текущего) или
// любым терминальным кандидатом, даже если его ранг ниже.
func Advances(current UnifiedStatus, currentTerminal bool, candidate UnifiedStatus, candidateTerminal bool) bool {
	if currentTerminal {
		return false
	}
	if candidateTerminal {
		return true
	}
	return candidate.Rank() >= current.Rank()
}
