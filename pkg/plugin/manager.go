package plugin

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/LENAX/el-engine/pkg/core/events"
)

// PluginBinding 插件绑定规则（对外导出）
type PluginBinding struct {
	PluginName string                     // 插件名称
	Event      events.EventType           // 触发事件
	Condition  func(data PluginData) bool // 可选：条件函数，满足条件才触发
}

// PluginData 传递给插件的数据（对外导出）
type PluginData struct {
	Event    events.EventType       // 触发事件
	RunID    string                 // Run ID
	Pipeline string                 // 流水线名称（Run事件）
	TaskID   string                 // Task ID（Task事件）
	Status   string                 // 状态
	Error    string                 // 错误信息（如果有）
	Failures []events.Failure       // 失败与跳过的Task（run.finalized）
	Data     map[string]interface{} // 自定义数据
}

// AlertOnFailure 仅在Run未完全成功时触发
func AlertOnFailure(data PluginData) bool {
	return data.Status != "succeeded"
}

// PluginManager 插件管理器接口（对外导出）
type PluginManager interface {
	// Register 注册插件
	Register(plugin Plugin) error
	// RegisterWithInit 注册并初始化插件
	RegisterWithInit(plugin Plugin, params map[string]string) error
	// Bind 绑定插件到事件
	Bind(binding PluginBinding) error
	// Trigger 触发插件
	Trigger(ctx context.Context, event events.EventType, data PluginData) error
	// Attach 订阅事件总线上已绑定的事件类型，收到事件即触发
	Attach(ctx context.Context, bus *events.Bus) error
	// GetPlugin 获取已注册的插件
	GetPlugin(name string) (Plugin, bool)
	// ListPlugins 列出所有已注册的插件
	ListPlugins() []string
	// Unregister 取消注册插件
	Unregister(name string) error
}

// pluginManagerImpl 插件管理器实现（内部实现）
type pluginManagerImpl struct {
	plugins  map[string]Plugin                    // 已注册的插件（插件名称 -> 插件实例）
	bindings map[events.EventType][]PluginBinding // 事件绑定（事件类型 -> 绑定列表）
	mu       sync.RWMutex                         // 读写锁
}

// NewPluginManager 创建插件管理器（对外导出）
func NewPluginManager() PluginManager {
	return &pluginManagerImpl{
		plugins:  make(map[string]Plugin),
		bindings: make(map[events.EventType][]PluginBinding),
	}
}

// Register 注册插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Register(plugin Plugin) error {
	if plugin == nil {
		return fmt.Errorf("插件不能为空")
	}

	name := plugin.Name()
	if name == "" {
		return fmt.Errorf("插件名称不能为空")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[name]; exists {
		return fmt.Errorf("插件 %s 已注册", name)
	}

	pm.plugins[name] = plugin
	return nil
}

// RegisterWithInit 注册并初始化插件（实现PluginManager接口）
func (pm *pluginManagerImpl) RegisterWithInit(plugin Plugin, params map[string]string) error {
	if err := pm.Register(plugin); err != nil {
		return err
	}

	if err := plugin.Init(params); err != nil {
		// 初始化失败，移除已注册的插件
		pm.mu.Lock()
		delete(pm.plugins, plugin.Name())
		pm.mu.Unlock()
		return fmt.Errorf("插件 %s 初始化失败: %w", plugin.Name(), err)
	}

	return nil
}

// Bind 绑定插件到事件（实现PluginManager接口）
func (pm *pluginManagerImpl) Bind(binding PluginBinding) error {
	if binding.PluginName == "" {
		return fmt.Errorf("插件名称不能为空")
	}
	if binding.Event == "" {
		return fmt.Errorf("触发事件不能为空")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[binding.PluginName]; !exists {
		return fmt.Errorf("插件 %s 未注册", binding.PluginName)
	}
	pm.bindings[binding.Event] = append(pm.bindings[binding.Event], binding)
	return nil
}

// Trigger 触发插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Trigger(ctx context.Context, event events.EventType, data PluginData) error {
	pm.mu.RLock()
	bindings := append([]PluginBinding(nil), pm.bindings[event]...)
	pm.mu.RUnlock()

	var errs []error
	for _, binding := range bindings {
		if binding.Condition != nil && !binding.Condition(data) {
			continue
		}

		plugin, exists := pm.GetPlugin(binding.PluginName)
		if !exists {
			continue // 插件已取消注册
		}

		if err := plugin.Execute(data); err != nil {
			errs = append(errs, fmt.Errorf("插件 %s 执行失败: %w", binding.PluginName, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("触发插件失败: %v", errs)
	}
	return nil
}

// Attach 订阅已绑定的事件类型（实现PluginManager接口）
func (pm *pluginManagerImpl) Attach(ctx context.Context, bus *events.Bus) error {
	pm.mu.RLock()
	types := make([]events.EventType, 0, len(pm.bindings))
	for et, bindings := range pm.bindings {
		if len(bindings) > 0 {
			types = append(types, et)
		}
	}
	pm.mu.RUnlock()
	if len(types) == 0 {
		return nil
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	log.Printf("✅ [PluginManager] 已订阅事件: %v", types)
	return bus.SubscribeFunc(ctx, func(event *events.Event) error {
		return pm.Trigger(ctx, event.Type, DataFromEvent(event))
	}, types...)
}

// DataFromEvent 将总线事件转换为插件数据
func DataFromEvent(event *events.Event) PluginData {
	data := PluginData{Event: event.Type, RunID: event.RunID, TaskID: event.TaskID}
	switch event.Type {
	case events.EventRunStarted, events.EventRunFinalized, events.EventRunCancelled:
		var p events.RunPayload
		if err := event.DecodePayload(&p); err == nil {
			data.Pipeline = p.Pipeline
			data.Status = p.Status
			data.Error = p.Error
			data.Failures = p.Failures
		}
	case events.EventTaskTransitioned:
		var p events.TransitionPayload
		if err := event.DecodePayload(&p); err == nil {
			data.Status = p.To
			data.Error = p.Error
			data.Data = map[string]interface{}{"from": p.From, "attempts": p.Attempts, "rows_loaded": p.RowsLoaded}
		}
	case events.EventTaskRetryWaiting:
		var p events.RetryPayload
		if err := event.DecodePayload(&p); err == nil {
			data.Status = "retry_waiting"
			data.Error = p.Error
			data.Data = map[string]interface{}{"attempts": p.Attempts, "not_before": p.NotBefore}
		}
	}
	return data
}

// GetPlugin 获取已注册的插件（实现PluginManager接口）
func (pm *pluginManagerImpl) GetPlugin(name string) (Plugin, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	plugin, exists := pm.plugins[name]
	return plugin, exists
}

// ListPlugins 列出所有已注册的插件（实现PluginManager接口）
func (pm *pluginManagerImpl) ListPlugins() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	names := make([]string, 0, len(pm.plugins))
	for name := range pm.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister 取消注册插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Unregister(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[name]; !exists {
		return fmt.Errorf("插件 %s 未注册", name)
	}
	delete(pm.plugins, name)

	// 移除所有相关的绑定
	for event, bindings := range pm.bindings {
		filtered := make([]PluginBinding, 0, len(bindings))
		for _, binding := range bindings {
			if binding.PluginName != name {
				filtered = append(filtered, binding)
			}
		}
		pm.bindings[event] = filtered
	}
	return nil
}
