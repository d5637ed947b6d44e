package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求方法、路径、页面与 worker 版本字段，供网关日志复用。
func RequestFields(method, path, clientID, version, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"method":       method,
		"path":         path,
		"client_id":    clientID,
		"version":      version,
		"cache_status": cacheStatus,
	}
}
