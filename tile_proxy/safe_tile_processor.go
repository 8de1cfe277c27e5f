// safe_tile_processor.go
package tile_proxy

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var ErrTilePanic = errors.New("tile processing panicked")

// TilePanicError 瓦片处理中的 panic
type TilePanicError struct {
	Tile  string
	Value interface{}
	Stack []byte
}

func (e *TilePanicError) Error() string {
	return fmt.Sprintf("%v: tile %s: %v", ErrTilePanic, e.Tile, e.Value)
}

func (e *TilePanicError) Is(target error) bool {
	return target == ErrTilePanic
}

// ProcessWithRecover 处理单个瓦片，损坏数据引发的 panic 作为错误返回
func ProcessWithRecover(tile string, processFn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TilePanicError{Tile: tile, Value: r, Stack: debug.Stack()}
		}
	}()
	return processFn()
}
