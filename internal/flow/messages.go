package flow

// User-facing message texts for the plant documentation flow.
const (
	msgMenu = "🌿 What would you like to do?\n" +
		"/newplanting - document a new planting\n" +
		"/addplant - add an established plant\n" +
		"/map - view the plant map\n" +
		"/cancel - cancel the current operation"

	msgGreeting = "👋 Welcome to PlantPipe! I help you document plants with photos and a location."

	msgSharePhone = "📱 Please share your phone number (send your contact card) so I can find your account."

	msgAccountNotFound = "😕 Sorry, I couldn't find your account. Please check that your phone number is registered, or contact an administrator."

	msgAskPlantName = "🌱 What is the name of the plant?"

	msgAskPhoto = "📷 Please send a photo of the plant: a close-up of the plant itself, and a shot of its surroundings from a distance."

	msgAskLocation = "📍 Great! Now share the plant's location."

	msgPhotoNotPlant = "🤔 That doesn't look like a plant. Please send another photo."

	msgPhotoUnrecognized = "🤔 I couldn't tell whether that's a close-up or a distance shot. Please try another photo."

	msgPhotoSavedNoAnalysis = "✅ Photo saved. Automatic analysis was not available for this image."

	msgLocationImagePending = "🖼 You already sent a distance shot. Reply /replace to use the new one, or /keep to keep the current one."

	msgPendingResolveFirst = "⏳ Please reply /replace or /keep first."

	msgReplaced = "🔄 Distance shot replaced."

	msgKept = "👍 Keeping the original distance shot."

	msgMaintenance = "🛠 The plant database is under maintenance right now. Please try again in a few minutes."

	msgSaveFailed = "⚠️ Failed to save the plant record. Please try again or send /cancel."

	msgUploadFailed = "⚠️ Failed to upload the photo. Please try again or send /cancel."

	msgCancelled = "🚫 Operation cancelled."

	msgGenericError = "⚠️ An error occurred. Please try again or send /cancel."
)
