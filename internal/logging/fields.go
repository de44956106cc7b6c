package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供策略/命名空间/URL 字段，供路由与策略日志复用。
func RequestFields(action, strategy, namespace, url string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"strategy":  strategy,
		"namespace": namespace,
		"url":       url,
	}
}

// LifecycleFields 描述 worker 生命周期事件。
func LifecycleFields(action, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
		"state":   state,
	}
}
