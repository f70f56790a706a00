package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// PackageFields 提供 package/version/file 字段，空值不输出。
func PackageFields(name, version, file string) logrus.Fields {
	fields := logrus.Fields{"package": name}
	if version != "" {
		fields["version"] = version
	}
	if file != "" {
		fields["file"] = file
	}
	return fields
}

// RequestFields 提供 HTTP 请求日志字段。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
	}
}
