package devices

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// DeviceInfo 设备信息
type DeviceInfo struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// ListDevices 列出麦克风与扬声器
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	var result []DeviceInfo
	for _, kind := range []struct {
		name string
		typ  malgo.DeviceType
	}{{"capture", malgo.Capture}, {"playback", malgo.Playback}} {
		infos, err := listKind(ctx, kind.typ)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			result = append(result, DeviceInfo{Kind: kind.name, Name: info.Name(), IsDefault: info.IsDefault != 0})
		}
	}
	return result, nil
}

func listKind(ctx *malgo.AllocatedContext, typ malgo.DeviceType) ([]malgo.DeviceInfo, error) {
	if ctx == nil {
		return nil, errNoContext
	}
	infos, err := ctx.Devices(typ)
	if err != nil {
		return nil, fmt.Errorf("list %v devices: %w", typ, err)
	}
	return infos, nil
}
