package plugin

// Plugin 插件接口（对外导出）
type Plugin interface {
	// Name 插件名称，注册表内唯一
	Name() string
	// Init 使用参数初始化插件
	Init(params map[string]string) error
	// Execute 执行插件，data为PluginData
	Execute(data interface{}) error
}
