package plugin

import (
	goplugin "plugin"

	xerrors "DatasetFlow/internal/errors"
)

// Loader 把插件二进制解析为 Plugin 实现。
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader 使用标准库 plugin 机制加载 .so 文件中导出的 Plugin 符号。
type GoPluginLoader struct{}

// Load 实现 Loader 接口。
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "插件路径不能为空")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开插件失败")
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "插件未导出 Plugin 符号")
	}
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "插件符号为空")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "插件符号未实现 plugin.Plugin")
	}
}
