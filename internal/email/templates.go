package email

import (
	"fmt"
	"time"
)

// DoseSkippedTemplate renders the HTML for a skipped-dose alert.
func DoseSkippedTemplate(caregiverName, frame, medications string) string {
	return fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; background-color: #f4f4f4; margin: 0; padding: 20px; }
        .container { max-width: 600px; margin: 0 auto; background-color: #ffffff; border-radius: 8px; overflow: hidden; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { background-color: #FF9800; color: white; padding: 20px; text-align: center; }
        .header h1 { margin: 0; font-size: 24px; }
        .content { padding: 30px; }
        .alert-box { background-color: #FFF3CD; border-left: 4px solid #FF9800; padding: 15px; margin: 20px 0; }
        .footer { background-color: #f8f9fa; padding: 15px; text-align: center; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>⚠️ Dose Skipped</h1>
        </div>
        <div class="content">
            <p>Hello <strong>%s</strong>,</p>

            <div class="alert-box">
                <strong>ALERT:</strong> The <strong>%s</strong> dose (%s) was declined twice and has been skipped.
            </div>

            <p><strong>Date/Time:</strong> %s</p>

            <p>The medication is still inside the dispenser. Please check in and decide whether the dose should be taken late.</p>
        </div>
        <div class="footer">
            <p>This is an automated message from PillPal</p>
            <p>Do not reply to this email</p>
        </div>
    </div>
</body>
</html>
    `, caregiverName, frame, medications, time.Now().Format("01/02/2006 15:04"))
}

// DeviceOfflineTemplate renders the HTML for an unreachable-dispenser alert.
func DeviceOfflineTemplate(caregiverName string, downFor time.Duration) string {
	return fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; background-color: #f4f4f4; margin: 0; padding: 20px; }
        .container { max-width: 600px; margin: 0 auto; background-color: #ffffff; border-radius: 8px; overflow: hidden; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { background-color: #DC3545; color: white; padding: 20px; text-align: center; }
        .header h1 { margin: 0; font-size: 24px; }
        .content { padding: 30px; }
        .critical-box { background-color: #F8D7DA; border-left: 4px solid #DC3545; padding: 15px; margin: 20px 0; }
        .footer { background-color: #f8f9fa; padding: 15px; text-align: center; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>🚨 Dispenser Offline</h1>
        </div>
        <div class="content">
            <p>Hello <strong>%s</strong>,</p>

            <div class="critical-box">
                <strong>CRITICAL:</strong> The pill dispenser has been unreachable for <strong>%s</strong>. Scheduled doses will not fire until it reconnects.
            </div>

            <p><strong>Date/Time:</strong> %s</p>

            <p><strong>Recommended actions:</strong></p>
            <ul>
                <li>Check that the dispenser is powered on</li>
                <li>Check the home network connection</li>
                <li>Restart the dispenser if it stays offline</li>
            </ul>
        </div>
        <div class="footer">
            <p>This is an automated message from PillPal</p>
            <p>Do not reply to this email</p>
        </div>
    </div>
</body>
</html>
    `, caregiverName, downFor.Round(time.Minute), time.Now().Format("01/02/2006 15:04"))
}
