package i18n

import "strings"

var translations = map[string]map[string]string{
	"fa": {
		"connection lost, reconnecting":    "اتصال قطع شد، در حال اتصال مجدد",
		"connected":                        "متصل شد",
		"message not sent":                 "پیام ارسال نشد",
		"image upload failed":              "بارگذاری تصویر ناموفق بود",
		"file must be an image":            "فایل باید تصویر باشد",
		"could not load messages":          "خطا در دریافت پیام ها",
		"could not load conversations":     "خطا در دریافت مکالمه ها",
		"no messages in this conversation": "پیامی در این مکالمه وجود ندارد",
		"is typing":                        "در حال نوشتن است",
		"sending":                          "در حال ارسال",
		"unauthorized":                     "دسترسی غیرمجاز",
		"invalid request":                  "درخواست نامعتبر است",
		"invalid token":                    "توکن نامعتبر است",
		"missing authorization token":      "توکن احراز هویت ارسال نشده است",
		"failed to fetch messages":         "خطا در دریافت پیام ها",
		"failed to fetch conversations":    "خطا در دریافت مکالمه ها",
		"failed to fetch notifications":    "خطا در دریافت اعلان ها",
		"failed to update notifications":   "خطا در به روزرسانی اعلان ها",
		"file is required":                 "فایل الزامی است",
		"file too large":                   "حجم فایل بیش از حد مجاز است",
		"failed to save file":              "خطا در ذخیره فایل",
		"websocket upgrade failed":         "خطا در برقراری اتصال وب سوکت",
		"rate limiter error":               "خطا در محدودسازی درخواست ها",
		"rate limit exceeded":              "تعداد درخواست ها بیش از حد مجاز است",
		"internal server error":            "خطای داخلی سرور",
		"not found":                        "یافت نشد",
	},
}

var prefixTranslations = map[string]map[string]string{
	"fa": {
		"upload failed:":        "بارگذاری ناموفق بود",
		"not connected":         "اتصال برقرار نیست",
		"failed to parse token": "توکن نامعتبر است",
	},
}

// Translate returns message in lang, or message itself when lang is
// English or no translation exists.
func Translate(lang, message string) string {
	table, ok := translations[lang]
	if !ok {
		return message
	}
	if translated, ok := table[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations[lang] {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}

// Supported reports whether lang has a translation table or is English.
func Supported(lang string) bool {
	if lang == "en" {
		return true
	}
	_, ok := translations[lang]
	return ok
}
