package catalog

const defaultLang = "uk"

var defaultScripts = map[string]Scripts{
	"en": {
		Intro: "Hi! I'm the virtual assistant of ChatFunnel. We set up AI chat assistants that answer your clients " +
			"24/7 and turn conversations into orders. Tell me a bit about your business: what do you sell and where do clients write to you?",
		Fallback:         "Thanks for your message! I need a moment to prepare a precise answer. Could you tell me a bit more about your business while I check?",
		VoicePlaceholder: "I couldn't play your voice message. Could you write it as text, please?",
		Nudge:            "Just checking in about \"%s\". Would you like me to suggest the package that fits you best?",
		PaymentLine:      "Payment is arranged only after we agree on all the details.",
		ContactLine:      "If it's convenient, leave your phone number or email and our manager will get in touch.",
		TiersHeader:      "Our packages:",
		AddOnsHeader:     "Additional services:",
	},
	"uk": {
		Intro: "Вітаю! Я віртуальний асистент ChatFunnel. Ми налаштовуємо AI-асистентів, які відповідають вашим клієнтам " +
			"24/7 і перетворюють листування на замовлення. Розкажіть, будь ласка, про ваш бізнес: що ви продаєте і де вам пишуть клієнти?",
		Fallback:         "Дякую за повідомлення! Мені потрібна хвилина, щоб підготувати точну відповідь. Розкажіть трохи більше про ваш бізнес, поки я уточнюю?",
		VoicePlaceholder: "Не вдалося прослухати голосове повідомлення. Напишіть, будь ласка, текстом.",
		Nudge:            "Нагадую про \"%s\". Хочете, я підберу пакет, який вам підійде найкраще?",
		PaymentLine:      "Оплата обговорюється лише після погодження всіх деталей.",
		ContactLine:      "Якщо зручно, залиште номер телефону або email, і наш менеджер зв'яжеться з вами.",
		TiersHeader:      "Наші пакети:",
		AddOnsHeader:     "Додаткові послуги:",
	},
	"ru": {
		Intro: "Здравствуйте! Я виртуальный ассистент ChatFunnel. Мы настраиваем AI-ассистентов, которые отвечают вашим клиентам " +
			"24/7 и превращают переписку в заказы. Расскажите, пожалуйста, о вашем бизнесе: что вы продаете и где вам пишут клиенты?",
		Fallback:         "Спасибо за сообщение! Мне нужна минута, чтобы подготовить точный ответ. Расскажите немного больше о вашем бизнесе, пока я уточняю?",
		VoicePlaceholder: "Не удалось прослушать голосовое сообщение. Напишите, пожалуйста, текстом.",
		Nudge:            "Напоминаю про \"%s\". Хотите, я подберу пакет, который вам подойдет лучше всего?",
		PaymentLine:      "Оплата обсуждается только после согласования всех деталей.",
		ContactLine:      "Если удобно, оставьте номер телефона или email, и наш менеджер свяжется с вами.",
		TiersHeader:      "Наши пакеты:",
		AddOnsHeader:     "Дополнительные услуги:",
	},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	scripts := make(map[string]Scripts, len(defaultScripts))
	for k, v := range defaultScripts {
		scripts[k] = v
	}
	return &Catalog{
		BusinessName: "ChatFunnel",
		Tiers: []Tier{
			{Name: "START", Price: "$99/mo", Summary: "one channel, FAQ answers, lead capture"},
			{Name: "BUSINESS", Price: "$249/mo", Summary: "three channels, sales scripts, CRM handoff"},
			{Name: "PRO", Price: "$499/mo", Summary: "all channels, custom integrations, priority support"},
		},
		AddOns: []AddOn{
			{Name: "Voice message transcription", Price: "$29/mo"},
			{Name: "CRM integration", Price: "$150 one-time"},
			{Name: "Extra language", Price: "$49/mo"},
		},
		FAQ: []FAQ{
			{Question: "How long does setup take?", Answer: "Usually 3 to 5 business days."},
			{Question: "Can I cancel?", Answer: "Yes, monthly plans can be cancelled any time."},
		},
		Scripts: scripts,
		BannedPhrases: []string{
			"As an AI language model",
			"I am just a bot",
			"Як мовна модель",
			"Как языковая модель",
		},
		IntroMarkers: []string{
			"I'm the virtual assistant", "I am the virtual assistant",
			"Я віртуальний асистент", "Я виртуальный ассистент",
		},
		ContactMarkers: []string{
			"phone number", "email", "номер телефону", "номер телефона", "залиште контакт", "оставьте контакт",
		},
		PaymentMarkers: []string{
			"pay now", "send payment", "make a payment", "card number", "transfer the money", "payment link",
			"оплатіть", "перекажіть", "номер картки", "посилання для оплати",
			"оплатите", "переведите", "номер карты", "ссылка для оплаты",
		},
	}
}
