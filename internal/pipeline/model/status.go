// SPDX-License-Identifier: MIT

package model

// Status is the lifecycle state of a pipeline item. Transitions between
// statuses are governed by the fsm package; workers never write a status
// directly.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSearching   Status = "searching"
	StatusFound       Status = "found"
	StatusDiscovered  Status = "discovered"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusEncoding    Status = "encoding"
	StatusEncoded     Status = "encoded"
	StatusDelivering  Status = "delivering"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSearching, StatusFound, StatusDiscovered,
		StatusDownloading, StatusDownloaded, StatusEncoding, StatusEncoded,
		StatusDelivering, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AllStatuses returns every known status in pipeline order.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusSearching, StatusFound, StatusDiscovered,
		StatusDownloading, StatusDownloaded, StatusEncoding, StatusEncoded,
		StatusDelivering, StatusCompleted, StatusFailed, StatusCancelled,
	}
}

// MediaType distinguishes the two request shapes.
type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
)

// ItemKind is the unit of work an item represents. A movie request yields
// one movie item; a tv request yields one episode item per episode.
type ItemKind string

const (
	KindMovie   ItemKind = "movie"
	KindEpisode ItemKind = "episode"
)

// RequestStatus is the aggregate state derived from a request's items.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
	RequestCancelled  RequestStatus = "cancelled"
)
