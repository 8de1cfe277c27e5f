package models

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal status transition")

// AreaStatus 离线区域生命周期状态
type AreaStatus string

const (
	StatusPending             AreaStatus = "PENDING"
	StatusDownloadingBasemap  AreaStatus = "DOWNLOADING_BASEMAP"
	StatusDownloadingValhalla AreaStatus = "DOWNLOADING_VALHALLA"
	StatusProcessingGeocoder  AreaStatus = "PROCESSING_GEOCODER"
	StatusCompleted           AreaStatus = "COMPLETED"
	StatusFailed              AreaStatus = "FAILED"
)

// AreaEvent 驱动状态迁移的事件
type AreaEvent string

const (
	EventStart        AreaEvent = "start"
	EventBasemapDone  AreaEvent = "basemap_done"
	EventRoutingDone  AreaEvent = "routing_done"
	EventGeocoderDone AreaEvent = "geocoder_done"
	EventFail         AreaEvent = "fail"
	EventRetry        AreaEvent = "retry"
)

// transitions 合法迁移表，EventFail 单独处理
var transitions = map[AreaStatus]map[AreaEvent]AreaStatus{
	StatusPending:             {EventStart: StatusDownloadingBasemap},
	StatusDownloadingBasemap:  {EventBasemapDone: StatusDownloadingValhalla},
	StatusDownloadingValhalla: {EventRoutingDone: StatusProcessingGeocoder},
	StatusProcessingGeocoder:  {EventGeocoderDone: StatusCompleted},
	StatusFailed:              {EventRetry: StatusPending},
}

// Valid 是否为已知状态
func (s AreaStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDownloadingBasemap, StatusDownloadingValhalla,
		StatusProcessingGeocoder, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal 终态：COMPLETED 或 FAILED
func (s AreaStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Next 唯一的状态迁移函数，非法迁移返回 ErrIllegalTransition
func Next(status AreaStatus, event AreaEvent) (AreaStatus, error) {
	if !status.Valid() {
		return status, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, status)
	}
	if event == EventFail {
		if status.IsTerminal() {
			return status, fmt.Errorf("%w: %s cannot fail", ErrIllegalTransition, status)
		}
		return StatusFailed, nil
	}
	if next, ok := transitions[status][event]; ok {
		return next, nil
	}
	return status, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, status)
}
